package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grburgess/cmdstanpy/internal/console"
	"github.com/grburgess/cmdstanpy/internal/model"
	"github.com/grburgess/cmdstanpy/internal/result"
	"github.com/grburgess/cmdstanpy/internal/runner"
	"github.com/grburgess/cmdstanpy/internal/stancsv"
	"github.com/grburgess/cmdstanpy/internal/store"
)

// Engine orchestrates asynchronous runs: it launches one subprocess per
// chain, bounds their parallelism, classifies each chain's console output,
// and assembles the surviving output files into an inference result once
// every chain has reached a terminal status.
type Engine struct {
	store  store.Store
	runner runner.Runner
	rules  *console.RuleSet
	logger *slog.Logger
	broker *LogBroker

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	results map[string]*result.InferenceResult
}

// NewEngine creates a new run engine.
func NewEngine(s store.Store, r runner.Runner, rules *console.RuleSet, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		runner:  r,
		rules:   rules,
		logger:  logger,
		broker:  NewLogBroker(),
		cancels: make(map[string]context.CancelFunc),
		results: make(map[string]*result.InferenceResult),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit validates the configuration, records the run and its chains as
// pending, and launches asynchronous execution in a goroutine. The returned
// run reflects the pending state; callers observe progress through the
// store, the broker, and Result.
func (e *Engine) Submit(ctx context.Context, cfg model.RunConfig) (*model.Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := stancsv.For(cfg.Method)
	if err != nil {
		return nil, err
	}
	if schema.Instances > 0 && cfg.Chains() != schema.Instances {
		return nil, fmt.Errorf("%w: method %q runs %d instance(s), got %d",
			model.ErrConfiguration, cfg.Method, schema.Instances, cfg.Chains())
	}

	hash, err := runner.Fingerprint(cfg.ExePath)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprint executable: %v", model.ErrLaunchFailed, err)
	}

	run := &model.Run{
		ID:        model.NewID(),
		Method:    cfg.Method,
		Status:    model.StatusPending,
		ExePath:   cfg.ExePath,
		ExeHash:   hash,
		Chains:    cfg.Chains(),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	for i := range cfg.ChainArgs {
		c := &model.Chain{
			RunID:      run.ID,
			Chain:      i + 1,
			Status:     model.StatusPending,
			OutputPath: cfg.OutputPaths[i],
		}
		if err := e.store.CreateChain(ctx, c); err != nil {
			return nil, fmt.Errorf("create chain %d: %w", i+1, err)
		}
	}

	// Execution outlives the submitting request, so it runs on a detached
	// context. The cancel func doubles as the Kill handle.
	runCtx := context.Background()
	var cancel context.CancelFunc
	if cfg.TimeoutS > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(cfg.TimeoutS)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	runCopy := *run
	e.wg.Go(func() {
		e.execute(runCtx, cancel, &runCopy, cfg, schema)
	})

	return run, nil
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Kill cancels a run's execution context, terminating every chain that is
// still running. Killed chains finish errored and never contribute output.
func (e *Engine) Kill(ctx context.Context, id string) error {
	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if model.TerminalStatus(r.Status) {
		return fmt.Errorf("run %s already finished with status %q", id, r.Status)
	}

	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not executing in this process", id)
	}
	cancel()
	return nil
}

// Result returns the assembled inference result for a finished run. Results
// are held in memory for the lifetime of the engine; runs that failed or
// were warned under strict convergence have no result, and the recorded run
// error explains why.
func (e *Engine) Result(ctx context.Context, id string) (*result.InferenceResult, error) {
	e.mu.Lock()
	res, ok := e.results[id]
	e.mu.Unlock()
	if ok {
		return res, nil
	}

	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.TerminalStatus(r.Status) {
		return nil, fmt.Errorf("run %s has not finished (status %q)", id, r.Status)
	}
	if r.Status == model.StatusWarned {
		return nil, fmt.Errorf("%w: %s", model.ErrNotConverged, r.Error)
	}
	if r.Error != "" {
		return nil, fmt.Errorf("%w: %s", model.ErrRunFailed, r.Error)
	}
	return nil, fmt.Errorf("no result retained for run %s", id)
}

// chainOutcome carries one chain's terminal state from launch to assembly.
type chainOutcome struct {
	chain      int
	status     string
	outputPath string
	killed     bool
	err        error
}

// execute drives the run lifecycle: pending→running→succeeded/warned/errored.
func (e *Engine) execute(ctx context.Context, cancel context.CancelFunc, run *model.Run, cfg model.RunConfig, schema stancsv.Schema) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
		cancel()
	}()

	if err := e.store.UpdateRunStatus(context.Background(), run.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "run_id", run.ID, "error", err)
		e.finishRun(run, model.StatusErrored, nil, fmt.Sprintf("failed to start: %v", err), nil)
		return
	}
	start := time.Now()

	outcomes := e.launchChains(ctx, run, cfg)

	// Parse surviving outputs. Killed chains are never parsed; a chain
	// whose subprocess succeeded but whose file is malformed becomes an
	// errored contribution.
	outputs := make([]result.ChainOutput, 0, len(outcomes))
	for i := range outcomes {
		oc := &outcomes[i]
		out := result.ChainOutput{Chain: oc.chain, Status: oc.status}
		if oc.status != model.StatusErrored {
			table, err := stancsv.ReadFile(oc.outputPath, schema)
			if err != nil {
				parseFailuresTotal.Inc()
				e.logger.Error("chain output rejected", "run_id", run.ID, "chain", oc.chain, "error", err)
				oc.status = model.StatusErrored
				oc.err = err
				out.Status = model.StatusErrored
				e.finishChainParseError(run.ID, oc.chain, err)
			} else {
				out.Table = table
			}
		}
		outputs = append(outputs, out)
	}

	res, err := result.Assemble(schema, outputs, cfg.RelaxConvergence)
	duration := int(time.Since(start).Milliseconds())

	if err != nil {
		status := model.StatusErrored
		if errors.Is(err, model.ErrNotConverged) {
			status = model.StatusWarned
		}
		errMsg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("run timed out after %ds: %v", cfg.TimeoutS, err)
		}
		e.finishRun(run, status, &start, errMsg, &duration)
		return
	}

	e.mu.Lock()
	e.results[run.ID] = res
	e.mu.Unlock()

	status := model.StatusSucceeded
	if !res.Converged() {
		status = model.StatusWarned
	}
	converged := res.Converged()
	run.Converged = &converged
	e.finishRun(run, status, &start, "", &duration)
}

// launchChains runs every chain through the runner, bounded by MaxParallel.
// It returns once all chains are terminal, ordered by chain number.
func (e *Engine) launchChains(ctx context.Context, run *model.Run, cfg model.RunConfig) []chainOutcome {
	parallel := cfg.MaxParallel
	if parallel <= 0 || parallel > cfg.Chains() {
		parallel = cfg.Chains()
	}
	sem := make(chan struct{}, parallel)

	outcomes := make([]chainOutcome, cfg.Chains())
	var wg sync.WaitGroup
	for i := range cfg.ChainArgs {
		chain := i + 1
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[idx] = e.runChain(ctx, run, cfg, chain)
		}(i)
	}
	wg.Wait()
	return outcomes
}

// runChain executes one chain subprocess and persists its terminal state.
// The chain's terminal status combines the exit code with the console
// classification: a nonzero exit is errored no matter what the transcript
// says, and a zero exit defers to the monitor's verdict.
func (e *Engine) runChain(ctx context.Context, run *model.Run, cfg model.RunConfig, chain int) chainOutcome {
	oc := chainOutcome{chain: chain, outputPath: cfg.OutputPaths[chain-1]}
	defer e.broker.Close(run.ID, chain)

	// A kill or timeout may land while the chain is still queued behind the
	// parallelism bound. Such chains never launch.
	if ctx.Err() != nil {
		oc.status = model.StatusErrored
		oc.killed = true
		oc.err = fmt.Errorf("%w: cancelled before launch: %v", model.ErrRunFailed, ctx.Err())
		e.finishChain(run.ID, chain, &model.Chain{
			RunID:  run.ID,
			Chain:  chain,
			Status: model.StatusErrored,
			Error:  oc.err.Error(),
		})
		return oc
	}

	start := time.Now().UTC()
	if err := e.store.UpdateChain(context.Background(), &model.Chain{
		RunID:     run.ID,
		Chain:     chain,
		Status:    model.StatusRunning,
		StartedAt: &start,
	}); err != nil {
		e.logger.Error("failed to mark chain running", "run_id", run.ID, "chain", chain, "error", err)
	}

	// The LogWriter triple-writes each console line: persist to SQLite for
	// historical viewing, publish to the broker for live streaming, and
	// feed the monitor for classification. The runner serializes calls.
	monitor := console.NewMonitor(e.rules)
	var seq atomic.Int32

	res, runErr := e.runner.Run(ctx, runner.Spec{
		RunID:      run.ID,
		Chain:      chain,
		ExePath:    cfg.ExePath,
		Args:       cfg.ChainArgs[chain-1],
		OutputPath: cfg.OutputPaths[chain-1],
		LogWriter: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(context.Background(), run.ID, chain, currentSeq, line); err != nil {
				e.logger.Error("failed to persist log line", "run_id", run.ID, "chain", chain, "seq", currentSeq, "error", err)
			}
			e.broker.Publish(run.ID, chain, line)
			monitor.Observe(line)
		},
	})
	durationMS := int(time.Since(start).Milliseconds())
	chainDuration.WithLabelValues(run.Method).Observe(time.Since(start).Seconds())

	var errMsg string
	switch {
	case runErr != nil:
		oc.status = model.StatusErrored
		oc.killed = ctx.Err() != nil
		oc.err = runErr
		errMsg = runErr.Error()
		switch ctx.Err() {
		case context.DeadlineExceeded:
			errMsg = fmt.Sprintf("chain timed out after %ds", cfg.TimeoutS)
		case context.Canceled:
			errMsg = "chain killed"
		}
	case res.ExitCode != 0:
		oc.status = model.StatusErrored
		oc.err = fmt.Errorf("%w: chain %d exited with code %d", model.ErrRunFailed, chain, res.ExitCode)
		errMsg = oc.err.Error()
	default:
		switch monitor.Classification() {
		case console.Errored:
			oc.status = model.StatusErrored
			oc.err = fmt.Errorf("%w: %s", model.ErrRunFailed, firstMatchLine(monitor, console.SeverityError))
			errMsg = oc.err.Error()
		case console.Warned:
			oc.status = model.StatusWarned
			errMsg = firstMatchLine(monitor, console.SeverityWarn)
		default:
			oc.status = model.StatusSucceeded
		}
	}

	finished := time.Now().UTC()
	e.finishChain(run.ID, chain, &model.Chain{
		RunID:      run.ID,
		Chain:      chain,
		Status:     oc.status,
		ExitCode:   exitCodePtr(res, runErr),
		Error:      errMsg,
		Advisories: monitor.Advisories(),
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &finished,
	})
	return oc
}

// finishChain persists a chain's terminal record, logging on failure.
func (e *Engine) finishChain(runID string, chain int, c *model.Chain) {
	if err := e.store.UpdateChain(context.Background(), c); err != nil {
		e.logger.Error("failed to update chain", "run_id", runID, "chain", chain, "error", err)
	}
}

// finishChainParseError demotes an already-terminal chain to errored after
// its output file was rejected.
func (e *Engine) finishChainParseError(runID string, chain int, parseErr error) {
	e.finishChain(runID, chain, &model.Chain{
		RunID:  runID,
		Chain:  chain,
		Status: model.StatusErrored,
		Error:  parseErr.Error(),
	})
}

// finishRun persists the run's terminal record and records the run metric.
// startedAt may be nil if execution never started.
func (e *Engine) finishRun(run *model.Run, status string, startedAt *time.Time, errMsg string, durationMS *int) {
	now := time.Now().UTC()
	r := &model.Run{
		ID:         run.ID,
		Status:     status,
		Converged:  run.Converged,
		Error:      errMsg,
		DurationMS: durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	if err := e.store.UpdateRun(context.Background(), r); err != nil {
		e.logger.Error("failed to update finished run", "run_id", run.ID, "error", err)
	}
	runsTotal.WithLabelValues(run.Method, status).Inc()
}

// firstMatchLine returns the line of the first rule match with the given
// severity, for use as the chain's recorded error or warning.
func firstMatchLine(m *console.Monitor, severity string) string {
	for _, match := range m.Matches() {
		if match.Severity == severity {
			return match.Line
		}
	}
	return ""
}

func exitCodePtr(res runner.Result, runErr error) *int {
	if runErr != nil && res.ExitCode == 0 {
		return nil
	}
	code := res.ExitCode
	return &code
}
