package newmanserver

import (
	"context"
	"fmt"
	"io"

	"github.com/criteo/newman-server/internal/convert"
	"github.com/criteo/newman-server/internal/reporter"
	"github.com/criteo/newman-server/internal/runner"
	"pkt.systems/version"
)

type (
	// Engine runs Postman collections.
	Engine = runner.Engine
	// Config describes one run.
	Config = runner.Config
	// Summary is the newman-shaped result of a run.
	Summary = runner.Summary
	// Option configures an Engine.
	Option = runner.Option
)

var (
	WithLogger         = runner.WithLogger
	WithHTTPClient     = runner.WithHTTPClient
	WithRequestTimeout = runner.WithRequestTimeout
	WithGlobals        = runner.WithGlobals
)

// ErrNoCollection is returned by Engine.Run for an empty collection.
var ErrNoCollection = runner.ErrNoCollection

// New constructs an execution engine.
func New(ctx context.Context, opts ...Option) (Engine, error) {
	return runner.New(ctx, opts...)
}

// WriteReport renders sum as an "html" or "junit" report.
func WriteReport(w io.Writer, format string, sum *Summary) error {
	kind, ok := reporter.ParseKind(format)
	if !ok {
		return fmt.Errorf("unsupported report format %q", format)
	}
	return kind.Write(w, sum)
}

// RenderHTML converts a JSON run summary into an HTML report.
func RenderHTML(summary []byte) ([]byte, error) {
	return convert.RenderHTML(summary)
}

// Version returns the current module version (best effort).
func Version() string {
	return moduleVersion(modulePath)
}

const modulePath = "github.com/criteo/newman-server"

var moduleVersion = version.ModuleVersion
