package orchestrator

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/reporter"
	"github.com/criteo/newman-server/internal/reports"
)

// DefaultTimeout bounds a run when the client does not ask for another limit.
const DefaultTimeout = 300 * time.Second

// MaxTimeoutMillis is the largest timeout in milliseconds that fits a
// time.Duration.
const MaxTimeoutMillis = int64(math.MaxInt64 / int64(time.Millisecond))

// TimeoutFromMillis converts a client supplied timeout. It reports false for
// values outside 1..MaxTimeoutMillis.
func TimeoutFromMillis(ms int64) (time.Duration, bool) {
	if ms <= 0 || ms > MaxTimeoutMillis {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Format is the representation a client asks the run result in.
type Format string

const (
	FormatJSON  Format = "json"
	FormatHTML  Format = "html"
	FormatJUnit Format = "junit"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatHTML, FormatJUnit:
		return f, nil
	}
	return "", &UnsupportedFormatError{Format: s}
}

// Kind returns the report kind of file-producing formats.
func (f Format) Kind() (reporter.Kind, bool) {
	if f == FormatJSON {
		return "", false
	}
	return reporter.ParseKind(string(f))
}

// RunConfig is everything needed to execute one collection run.
type RunConfig struct {
	Format        Format
	Collection    json.RawMessage
	Environment   json.RawMessage
	IterationData json.RawMessage
	Timeout       time.Duration
	// Export is set iff the format produces a file.
	Export *ExportTarget
}

// ExportTarget is where the report of a file-producing run lands.
type ExportTarget struct {
	Kind reporter.Kind
	Path string
}

// Builder turns validated request inputs into run configurations.
type Builder struct {
	Folder         string
	DefaultTimeout time.Duration
}

// Build assembles a RunConfig. A nil timeout selects the default; an
// explicit timeout must be positive. File formats get a fresh export path.
func (b Builder) Build(format string, coll, env, iterationData []byte, timeout *time.Duration) (RunConfig, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return RunConfig{}, err
	}
	cfg := RunConfig{
		Format:        f,
		Collection:    coll,
		Environment:   env,
		IterationData: iterationData,
		Timeout:       b.DefaultTimeout,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if timeout != nil {
		if *timeout <= 0 {
			return RunConfig{}, &ValidationError{
				Field:   "timeout",
				Value:   timeout.String(),
				Message: "The timeout must be a positive number of milliseconds",
			}
		}
		cfg.Timeout = *timeout
	}
	if kind, ok := f.Kind(); ok {
		cfg.Export = &ExportTarget{Kind: kind, Path: reports.NextPath(b.Folder, kind)}
	}
	return cfg, nil
}
