// Package orchestrator executes collection runs against the engine under a
// wall-clock bound and hands the outcome to the HTTP layer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/criteo/newman-server/internal/events"
	"github.com/criteo/newman-server/internal/runner"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// OutcomeKind discriminates Outcome.
type OutcomeKind int

const (
	JSONResult OutcomeKind = iota
	FileResult
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case JSONResult:
		return "json"
	case FileResult:
		return "file"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of a run. Summary is set for JSONResult, Artifact
// for FileResult, Err for Failed. A Failed outcome may still reference the
// artifact the engine started writing so delivery can remove it.
type Outcome struct {
	Kind     OutcomeKind
	Summary  *runner.Summary
	Artifact *Artifact
	Err      error
}

// Publisher receives run lifecycle events.
type Publisher interface {
	Publish(events.Event)
}

// Orchestrator runs collections. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	engine    runner.Engine
	logger    pslog.Base
	publisher Publisher
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for run completion events.
func WithLogger(l pslog.Base) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublisher forwards run lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// New returns an orchestrator driving engine.
func New(engine runner.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{engine: engine}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = pslog.New(os.Stdout)
	}
	return o
}

type engineResult struct {
	sum *runner.Summary
	err error
}

// Run executes cfg and classifies the result. It returns as soon as the
// engine finishes or cfg.Timeout elapses, whichever comes first; an
// abandoned engine call is left to finish in the background and any report
// it writes is removed. Run never writes an HTTP response.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	runID := uuid.NewString()
	name := collectionName(cfg.Collection)
	started := time.Now()
	o.publish(events.Event{Type: events.RunStarted, RunID: runID, Format: string(cfg.Format), Collection: name})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engineCfg := runner.Config{
		Collection:    cfg.Collection,
		Environment:   cfg.Environment,
		IterationData: cfg.IterationData,
		Timeout:       timeout,
	}
	var artifact *Artifact
	if cfg.Export != nil {
		artifact = newArtifact(cfg.Export)
		engineCfg.Export = &runner.Export{Path: cfg.Export.Path, Reporter: cfg.Export.Kind.Reporter()}
	}

	done := make(chan engineResult, 1)
	go func() {
		sum, err := o.engine.Run(runCtx, engineCfg)
		done <- engineResult{sum: sum, err: err}
	}()

	var out Outcome
	select {
	case res := <-done:
		out = o.settle(ctx, cfg, artifact, res, timeout)
	case <-runCtx.Done():
		out = Outcome{Kind: Failed, Err: abortError(ctx, timeout)}
		if artifact != nil {
			path := artifact.Path
			if err := removeFile(path); err != nil {
				o.logger.Warn("run.artifact.remove.failed", "runId", runID, "path", path, "error", err)
			}
			go func() {
				<-done
				if err := removeFile(path); err != nil {
					o.logger.Warn("run.artifact.remove.failed", "runId", runID, "path", path, "error", err)
				}
			}()
		}
	}

	o.complete(runID, name, cfg.Format, out, time.Since(started))
	return out
}

func (o *Orchestrator) settle(parent context.Context, cfg RunConfig, artifact *Artifact, res engineResult, timeout time.Duration) Outcome {
	if res.err != nil {
		switch {
		case errors.Is(res.err, runner.ErrNoCollection) && cfg.Format == FormatJSON:
			return Outcome{Kind: JSONResult, Summary: emptySummary()}
		case errors.Is(res.err, context.DeadlineExceeded), errors.Is(res.err, context.Canceled):
			return Outcome{Kind: Failed, Artifact: artifact, Err: abortError(parent, timeout)}
		}
		return Outcome{Kind: Failed, Artifact: artifact, Err: &ExecutionError{Message: res.err.Error(), Err: res.err}}
	}
	if artifact == nil {
		return Outcome{Kind: JSONResult, Summary: res.sum}
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		return Outcome{Kind: Failed, Artifact: artifact, Err: &ExecutionError{
			Code:    CodeNoReport,
			Message: fmt.Sprintf("the %s report was not generated", artifact.Kind),
			Err:     err,
		}}
	}
	return Outcome{Kind: FileResult, Artifact: artifact}
}

func abortError(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return &ExecutionError{Code: CodeCanceled, Message: "run cancelled: " + err.Error(), Err: err}
	}
	return &ExecutionError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("run exceeded the timeout of %dms", timeout.Milliseconds()),
		Err:     ErrTimeout,
	}
}

func (o *Orchestrator) complete(runID, name string, format Format, out Outcome, elapsed time.Duration) {
	ev := events.Event{
		Type:       events.RunCompleted,
		RunID:      runID,
		Format:     string(format),
		Collection: name,
		Outcome:    out.Kind.String(),
		DurationMS: elapsed.Milliseconds(),
	}
	if out.Kind == Failed {
		ev.Error = out.Err.Error()
		o.logger.Warn("run.completed", "runId", runID, "collection", name, "format", string(format), "outcome", out.Kind.String(), "duration", elapsed, "error", out.Err)
	} else {
		o.logger.Info("run.completed", "runId", runID, "collection", name, "format", string(format), "outcome", out.Kind.String(), "duration", elapsed)
	}
	o.publish(ev)
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
}

func emptySummary() *runner.Summary {
	return &runner.Summary{Run: runner.Run{
		Executions: []runner.Execution{},
		Failures:   []runner.Failure{},
	}}
}

// collectionName peeks at info.name without decoding the whole document.
func collectionName(raw json.RawMessage) string {
	var doc struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil {
		return ""
	}
	return doc.Info.Name
}
