package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/criteo/newman-server/internal/collection"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// runner implements Engine.
type runner struct {
	logger     pslog.Base
	httpClient *http.Client
	timeout    time.Duration
	globals    map[string]string
}

type runnerConfig struct {
	logger     pslog.Base
	httpClient *http.Client
	timeout    time.Duration
	globals    map[string]string
}

// New constructs an Engine with optional configuration.
func New(ctx context.Context, opts ...Option) (Engine, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	cfg := runnerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = pslog.New(os.Stdout)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{}
	}
	r := &runner{
		logger:     cfg.logger,
		httpClient: cfg.httpClient,
		timeout:    cfg.timeout,
		globals:    cfg.globals,
	}
	return r, nil
}

// Ready evaluates a trivial script to prove the sandbox is usable.
func (r *runner) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()
	v, err := vm.RunString(`typeof JSON.parse`)
	if err != nil {
		return fmt.Errorf("script runtime: %w", err)
	}
	if v.String() != "function" {
		return errors.New("script runtime: JSON builtin unavailable")
	}
	return nil
}

// Run executes every request of the collection once per iteration.
func (r *runner) Run(ctx context.Context, cfg Config) (*Summary, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	coll, err := collection.Parse(cfg.Collection)
	if err != nil {
		return nil, err
	}
	if coll.IsEmpty() {
		return nil, ErrNoCollection
	}
	env, err := collection.ParseEnvironment(cfg.Environment)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = &collection.Environment{}
	}
	iterations, err := buildIterations(cfg.IterationData)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	sc := &scopes{
		globals:     scopeFromMap(r.globals),
		collection:  scopeFromVariables(coll.Variable),
		environment: scopeFromVariables(env.Values),
	}
	items := coll.Requests()
	ref := uuid.NewString()
	sum := &Summary{Collection: coll, Environment: env}
	sum.Run.Executions = []Execution{}
	sum.Run.Failures = []Failure{}
	sum.Run.Stats.Iterations.Total = len(iterations)
	started := time.Now()
	sum.Run.Timings.Started = started.UnixMilli()

	for i, iter := range iterations {
		sc.data = scopeFromMap(iter.vars)
		sc.local = newScope()
		for pos, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("run aborted: %w", err)
			}
			cursor := Cursor{
				Position:  pos,
				Iteration: i,
				Length:    len(items),
				Cycles:    len(iterations),
				BOF:       pos == 0,
				EOF:       pos == len(items)-1,
				Ref:       ref,
			}
			exec, err := r.runItem(ctx, sum, sc, item, cursor, iter)
			if err != nil {
				return nil, err
			}
			sum.Run.Executions = append(sum.Run.Executions, exec)
		}
	}

	env.Values = sc.environment.variables()
	sum.Run.Timings.Completed = time.Now().UnixMilli()
	fillResponseTimings(sum)
	r.logger.Debug("engine.run.finished",
		"collection", coll.Info.Name,
		"iterations", len(iterations),
		"executions", len(sum.Run.Executions),
		"failures", len(sum.Run.Failures),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)

	if cfg.Export != nil {
		if err := writeExport(cfg.Export, sum); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func (r *runner) runItem(ctx context.Context, sum *Summary, sc *scopes, item *collection.Item, cursor Cursor, iter iterationSpec) (Execution, error) {
	stats := &sum.Run.Stats
	exec := Execution{ID: uuid.NewString(), Cursor: cursor, Item: item}
	source := Source{ID: item.ID, Name: item.Name}
	fail := func(at string, info ErrorInfo) {
		sum.Run.Failures = append(sum.Run.Failures, Failure{Error: info, At: at, Source: source, Cursor: cursor})
	}
	aborted := func() error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run aborted: %w", err)
		}
		return nil
	}
	run := &itemRun{
		ctx:        ctx,
		logger:     r.logger,
		scopes:     sc,
		item:       item,
		request:    item.Request.Clone(),
		iteration:  cursor.Iteration,
		iterations: cursor.Cycles,
		data:       iter.data,
	}

	stats.Items.Total++
	stats.Prerequests.Total++
	for _, script := range item.Events("prerequest") {
		stats.Scripts.Total++
		stats.PrerequestScripts.Total++
		if err := runScript(run, "prerequest", script); err != nil {
			if abort := aborted(); abort != nil {
				return exec, abort
			}
			stats.Scripts.Failed++
			stats.PrerequestScripts.Failed++
			fail("prerequest-script", errorInfo(err))
		}
	}

	resolved := resolveRequest(run.request, item.EffectiveAuth(), sc)
	exec.Request = resolved
	run.request = resolved
	stats.Requests.Total++
	resp, err := r.doRequest(ctx, resolved)
	if err != nil {
		if abort := aborted(); abort != nil {
			return exec, abort
		}
		stats.Requests.Failed++
		stats.Items.Failed++
		info := ErrorInfo{Name: "Error", Message: err.Error()}
		exec.RequestError = &info
		fail("request", info)
		r.logger.Debug("engine.request.failed", "item", item.Name, "url", resolved.URL.String(), "error", err)
	} else {
		exec.Response = resp
		run.response = resp
		sum.Run.Transfers.ResponseTotal += int64(resp.ResponseSize)
		r.logger.Debug("engine.request.completed",
			"item", item.Name,
			"method", resolved.Verb(),
			"url", resolved.URL.String(),
			"status", resp.Code,
			"elapsed_ms", resp.ResponseTime,
		)
	}

	stats.Tests.Total++
	for _, script := range item.Events("test") {
		stats.Scripts.Total++
		stats.TestScripts.Total++
		if err := runScript(run, "test", script); err != nil {
			if abort := aborted(); abort != nil {
				return exec, abort
			}
			stats.Scripts.Failed++
			stats.TestScripts.Failed++
			fail("test-script", errorInfo(err))
		}
	}

	for idx, a := range run.assertions {
		stats.Assertions.Total++
		if a.Skipped {
			stats.Assertions.Pending++
			continue
		}
		if a.Error != nil {
			stats.Assertions.Failed++
			fail(fmt.Sprintf("assertion:%d in test-script", idx), *a.Error)
		}
	}
	exec.Assertions = run.assertions
	return exec, nil
}

func fillResponseTimings(sum *Summary) {
	var times []float64
	for _, e := range sum.Run.Executions {
		if e.Response != nil {
			times = append(times, float64(e.Response.ResponseTime))
		}
	}
	if len(times) == 0 {
		return
	}
	t := &sum.Run.Timings
	total := 0.0
	t.ResponseMin = int64(times[0])
	for _, v := range times {
		total += v
		t.ResponseMin = min(t.ResponseMin, int64(v))
		t.ResponseMax = max(t.ResponseMax, int64(v))
	}
	t.ResponseAverage = total / float64(len(times))
	variance := 0.0
	for _, v := range times {
		variance += (v - t.ResponseAverage) * (v - t.ResponseAverage)
	}
	t.ResponseSd = math.Sqrt(variance / float64(len(times)))
}

// writeExport materializes the report once the run is complete.
func writeExport(exp *Export, sum *Summary) (err error) {
	if exp.Reporter == nil {
		return errors.New("export: no reporter configured")
	}
	f, err := os.Create(exp.Path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("export: %w", cerr)
		}
	}()
	if err := exp.Reporter(f, sum); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}
