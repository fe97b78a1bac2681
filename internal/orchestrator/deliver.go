package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"pkt.systems/pslog"
)

// Deliver writes out to the client. File artifacts are streamed as an
// attachment and removed afterwards whether or not streaming succeeded;
// removal failures are logged only.
func Deliver(w http.ResponseWriter, r *http.Request, out Outcome, logger pslog.Base) {
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	switch out.Kind {
	case JSONResult:
		writeJSON(w, http.StatusOK, out.Summary, logger)
	case FileResult:
		deliverFile(w, r, out.Artifact, logger)
	default:
		discard(out.Artifact, logger)
		msg := "run failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg}, logger)
	}
}

func deliverFile(w http.ResponseWriter, r *http.Request, a *Artifact, logger pslog.Base) {
	if a == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no report to deliver"}, logger)
		return
	}
	defer discard(a, logger)
	a.setState(Delivering)
	f, err := os.Open(a.Path)
	if err != nil {
		logger.Error("report.open.failed", "path", a.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("report unavailable: %v", err)}, logger)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		logger.Error("report.stat.failed", "path", a.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("report unavailable: %v", err)}, logger)
		return
	}
	name := filepath.Base(a.Path)
	w.Header().Set("Content-Type", a.Kind.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, st.ModTime(), f)
}

func discard(a *Artifact, logger pslog.Base) {
	if a == nil {
		return
	}
	if err := a.Remove(); err != nil {
		logger.Warn("report.remove.failed", "path", a.Path, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger pslog.Base) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response.write.failed", "error", err)
	}
}
