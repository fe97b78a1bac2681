package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/criteo/newman-server/internal/collection"
	"pkt.systems/pslog"
)

// Engine runs Postman collections. It is safe to hold and use concurrently
// from multiple goroutines.
type Engine interface {
	Run(ctx context.Context, cfg Config) (*Summary, error)
	// Ready reports whether the engine can execute scripts at all.
	Ready(ctx context.Context) error
}

// ErrNoCollection is returned when a run is requested with an empty collection.
var ErrNoCollection = errors.New("expecting a collection to run")

// Config describes a single collection run.
type Config struct {
	Collection    json.RawMessage
	Environment   json.RawMessage
	IterationData json.RawMessage
	// Timeout bounds the whole run; 0 means no bound besides ctx.
	Timeout time.Duration
	// Export, when set, asks the engine to materialize a report after the run.
	Export *Export
}

// Export is the report file the engine writes once the run completes.
type Export struct {
	Path     string
	Reporter Reporter
}

// Reporter renders a run summary.
type Reporter func(w io.Writer, sum *Summary) error

// Summary is the structured outcome of a run, in the shape newman emits.
type Summary struct {
	Collection  *collection.Collection  `json:"collection"`
	Environment *collection.Environment `json:"environment"`
	Run         Run                     `json:"run"`
}

// Name returns the collection name, or "" when unknown.
func (s *Summary) Name() string {
	if s == nil || s.Collection == nil {
		return ""
	}
	return s.Collection.Info.Name
}

// Run holds stats, timings and per-request executions.
type Run struct {
	Stats      Stats       `json:"stats"`
	Timings    Timings     `json:"timings"`
	Executions []Execution `json:"executions"`
	Transfers  Transfers   `json:"transfers"`
	Failures   []Failure   `json:"failures"`
	Error      *ErrorInfo  `json:"error"`
}

// Stats groups the run counters.
type Stats struct {
	Iterations        Counter `json:"iterations"`
	Items             Counter `json:"items"`
	Scripts           Counter `json:"scripts"`
	Prerequests       Counter `json:"prerequests"`
	Requests          Counter `json:"requests"`
	Tests             Counter `json:"tests"`
	Assertions        Counter `json:"assertions"`
	TestScripts       Counter `json:"testScripts"`
	PrerequestScripts Counter `json:"prerequestScripts"`
}

// Counter is a total/pending/failed triple.
type Counter struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Timings are expressed in milliseconds; Started and Completed are Unix epoch ms.
type Timings struct {
	ResponseAverage float64 `json:"responseAverage"`
	ResponseMin     int64   `json:"responseMin"`
	ResponseMax     int64   `json:"responseMax"`
	ResponseSd      float64 `json:"responseSd"`
	Started         int64   `json:"started"`
	Completed       int64   `json:"completed"`
}

// Duration returns the wall time of the run.
func (t Timings) Duration() time.Duration {
	if t.Completed < t.Started {
		return 0
	}
	return time.Duration(t.Completed-t.Started) * time.Millisecond
}

// Transfers counts payload bytes received.
type Transfers struct {
	ResponseTotal int64 `json:"responseTotal"`
}

// Execution is one item run within one iteration.
type Execution struct {
	ID           string               `json:"id"`
	Cursor       Cursor               `json:"cursor"`
	Item         *collection.Item     `json:"item"`
	Request      *collection.Request  `json:"request,omitempty"`
	Response     *collection.Response `json:"response,omitempty"`
	Assertions   []Assertion          `json:"assertions,omitempty"`
	RequestError *ErrorInfo           `json:"requestError,omitempty"`
}

// Passed reports whether the execution had no request error and no failed assertion.
func (e Execution) Passed() bool {
	if e.RequestError != nil {
		return false
	}
	for _, a := range e.Assertions {
		if a.Error != nil {
			return false
		}
	}
	return true
}

// Cursor locates an execution in the run.
type Cursor struct {
	Position  int    `json:"position"`
	Iteration int    `json:"iteration"`
	Length    int    `json:"length"`
	Cycles    int    `json:"cycles"`
	Empty     bool   `json:"empty"`
	EOF       bool   `json:"eof"`
	BOF       bool   `json:"bof"`
	CR        bool   `json:"cr"`
	Ref       string `json:"ref"`
}

// Assertion is the outcome of one pm.test or legacy tests[] entry.
type Assertion struct {
	Assertion string     `json:"assertion"`
	Skipped   bool       `json:"skipped"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the serialisable form of an error raised during a run.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Test    string `json:"test,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// Failure records where a run went wrong.
type Failure struct {
	Error  ErrorInfo `json:"error"`
	At     string    `json:"at"`
	Source Source    `json:"source"`
	Cursor Cursor    `json:"cursor"`
}

// Source names the item a failure belongs to.
type Source struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Option modifies an Engine at construction time.
type Option func(*runnerConfig)

// WithLogger overrides the default logger (pslog console).
func WithLogger(logger pslog.Base) Option {
	return func(rc *runnerConfig) { rc.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(rc *runnerConfig) { rc.httpClient = client }
}

// WithRequestTimeout bounds each HTTP call; 0 leaves calls bounded by the run only.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(rc *runnerConfig) { rc.timeout = timeout }
}

// WithGlobals seeds the globals scope of every run.
func WithGlobals(vars map[string]string) Option {
	return func(rc *runnerConfig) { rc.globals = vars }
}
