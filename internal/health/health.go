// Package health verifies that the server can still do its job: the report
// folder is usable and the execution engine loads.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/criteo/newman-server/internal/runner"
)

// Failure codes.
const (
	CodeReadFolder  = "READ_FOLDER"
	CodeWriteFolder = "WRITE_FOLDER"
	CodeEngine      = "ENGINE"
)

// Error is a failed probe step.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Runner is the subset of an engine the probe falls back to when the
// engine has no readiness check.
type Runner interface {
	Run(ctx context.Context, cfg runner.Config) (*runner.Summary, error)
}

// Readier is an engine exposing a dedicated readiness check.
type Readier interface {
	Ready(ctx context.Context) error
}

// Check probes folder and engine in order and returns the first failure as
// an *Error. It never creates report artifacts.
func Check(ctx context.Context, folder string, engine Runner) error {
	if _, err := os.ReadDir(folder); err != nil {
		return &Error{Code: CodeReadFolder, Message: fmt.Sprintf("cannot list report folder %s: %v", folder, err), Err: err}
	}
	if err := probeWrite(folder); err != nil {
		return &Error{Code: CodeWriteFolder, Message: fmt.Sprintf("cannot write to report folder %s: %v", folder, err), Err: err}
	}
	if err := probeEngine(ctx, engine); err != nil {
		return &Error{Code: CodeEngine, Message: err.Error(), Err: err}
	}
	return nil
}

func probeWrite(folder string) error {
	f, err := os.CreateTemp(folder, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	rerr := os.Remove(name)
	return errors.Join(werr, cerr, rerr)
}

func probeEngine(ctx context.Context, engine Runner) error {
	if engine == nil {
		return errors.New("no execution engine configured")
	}
	if r, ok := engine.(Readier); ok {
		return r.Ready(ctx)
	}
	_, err := engine.Run(ctx, runner.Config{Collection: json.RawMessage(`{}`)})
	if err == nil || errors.Is(err, runner.ErrNoCollection) {
		return nil
	}
	return err
}
