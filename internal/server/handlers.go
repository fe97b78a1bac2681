package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/convert"
	"github.com/criteo/newman-server/internal/health"
	"github.com/criteo/newman-server/internal/orchestrator"
)

// fieldError is one entry of a 400 response.
type fieldError struct {
	Type     string `json:"type"`
	Value    any    `json:"value,omitempty"`
	Msg      string `json:"msg"`
	Path     string `json:"path"`
	Location string `json:"location"`
}

func hasField(errs []fieldError, path string) bool {
	for _, e := range errs {
		if e.Path == path {
			return true
		}
	}
	return false
}

func writeFieldErrors(w http.ResponseWriter, errs []fieldError) {
	writeJSON(w, http.StatusBadRequest, map[string][]fieldError{"errors": errs})
}

// fileRule describes an uploaded JSON document.
type fileRule struct {
	field    string
	required bool
	missing  string
	notJSON  string
}

var (
	collectionRule = fileRule{
		field:    "collectionFile",
		required: true,
		missing:  "The test collection file is mandatory",
		notJSON:  "The test collection file must be a JSON file",
	}
	environmentRule = fileRule{
		field:   "environmentFile",
		notJSON: "The test environment must be a JSON file",
	}
	iterationDataRule = fileRule{
		field:   "iterationDataFile",
		notJSON: "The test iteration data must be a JSON file",
	}
	summaryRule = fileRule{
		field:    "summaryFile",
		required: true,
		missing:  "The test summary file is mandatory",
		notJSON:  "The test summary file must be a JSON file",
	}
)

const invalidSummaryMessage = "The test summary file is not valid. Please use the summary generated using Newman."

type upload struct {
	name string
	data []byte
}

// readUploads parses the multipart body and checks every rule. Absent
// optional files are simply missing from the result.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request, rules ...fileRule) (map[string]upload, []fieldError) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	var form *multipart.Form
	if err := r.ParseMultipartForm(8 << 20); err == nil {
		form = r.MultipartForm
	} else if !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		msg := "Invalid multipart body"
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("The request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, []fieldError{{Type: "field", Msg: msg, Path: rules[0].field, Location: "files"}}
	}

	out := map[string]upload{}
	var errs []fieldError
	for _, rule := range rules {
		var headers []*multipart.FileHeader
		if form != nil {
			headers = form.File[rule.field]
		}
		if len(headers) == 0 {
			if rule.required {
				errs = append(errs, fieldError{Type: "field", Msg: rule.missing, Path: rule.field, Location: "files"})
			}
			continue
		}
		hdr := headers[0]
		fail := fieldError{Type: "field", Value: hdr.Filename, Msg: rule.notJSON, Path: rule.field, Location: "files"}
		if !strings.HasSuffix(strings.ToLower(hdr.Filename), ".json") {
			errs = append(errs, fail)
			continue
		}
		data, err := readPart(hdr)
		if err != nil || !json.Valid(data) {
			errs = append(errs, fail)
			continue
		}
		out[rule.field] = upload{name: hdr.Filename, data: data}
	}
	return out, errs
}

func readPart(hdr *multipart.FileHeader) ([]byte, error) {
	f, err := hdr.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func cleanupForm(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r)
	defer cleanupForm(r)

	errs := s.api.checkParams(r)
	files, fileErrs := s.readUploads(w, r, collectionRule, environmentRule, iterationDataRule)
	errs = append(errs, fileErrs...)

	var timeout *time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		d, ok := orchestrator.TimeoutFromMillis(ms)
		if err != nil || !ok {
			if !hasField(errs, "timeout") {
				errs = append(errs, fieldError{Type: "field", Value: v, Msg: "Invalid value", Path: "timeout", Location: "query"})
			}
		} else {
			timeout = &d
		}
	}
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return
	}

	format := r.PathValue("format")
	cfg, err := s.builder.Build(format,
		files[collectionRule.field].data,
		files[environmentRule.field].data,
		files[iterationDataRule.field].data,
		timeout)
	if err != nil {
		var ufe *orchestrator.UnsupportedFormatError
		var ve *orchestrator.ValidationError
		switch {
		case errors.As(err, &ufe):
			writeFieldErrors(w, []fieldError{{Type: "field", Value: ufe.Format, Msg: paramMessages["format"], Path: "format", Location: "params"}})
		case errors.As(err, &ve):
			writeFieldErrors(w, []fieldError{{Type: "field", Value: ve.Value, Msg: ve.Message, Path: ve.Field, Location: "query"}})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	kv := []any{"format", format, "collectionFile", files[collectionRule.field].name, "timeout", cfg.Timeout}
	if timeout != nil {
		kv = append(kv, "explicitTimeout", true)
	}
	logger.Info("run.requested", kv...)

	out := s.orch.Run(r.Context(), cfg)
	orchestrator.Deliver(w, r, out, logger)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r)
	defer cleanupForm(r)

	files, errs := s.readUploads(w, r, summaryRule)
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return
	}
	summary := files[summaryRule.field]
	html, err := convert.RenderHTML(summary.data)
	if err != nil {
		var mse *convert.MalformedSummaryError
		if errors.As(err, &mse) {
			logger.Debug("convert.rejected", "file", summary.name, "reason", mse.Reason)
			writeFieldErrors(w, []fieldError{{Type: "field", Value: summary.name, Msg: invalidSummaryMessage, Path: summaryRule.field, Location: "files"}})
			return
		}
		logger.Error("convert.failed", "file", summary.name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "An error occurred while converting JSON summary to HTML report"})
		return
	}
	logger.Info("convert.completed", "file", summary.name, "bytes", len(html))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(html)
}

type healthFailure struct {
	Errors []*health.Error `json:"errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := health.Check(r.Context(), s.folder, s.engine); err != nil {
		var he *health.Error
		if !errors.As(err, &he) {
			he = &health.Error{Code: "UNKNOWN", Message: err.Error(), Err: err}
		}
		loggerFrom(r).Warn("health.failed", "code", he.Code, "error", he.Message)
		writeJSON(w, http.StatusInternalServerError, healthFailure{Errors: []*health.Error{he}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"uptime": time.Since(s.started).Seconds()})
}

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	page, err := assets.ReadFile("assets/docs.html")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(s.api.raw)
}
