// Package worker implements the long-running poll loop that binds a mate
// identity to a stream of claimable runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flotillahq/flotilla/internal/claim"
	"github.com/flotillahq/flotilla/internal/mate"
	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/runstore"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Outcome classifies why the worker loop returned.
const (
	OutcomeTimeout = "timeout"
	OutcomeSignal  = "signal"
	OutcomeStopped = "stopped"
)

// RunReport records the fate of one run the worker handled.
type RunReport struct {
	RunID    string `json:"run_id"`
	Outcome  string `json:"outcome"` // "closed", "run_timeout", or "start_failed"
	EndState string `json:"end_state,omitempty"`
}

// Result summarizes a completed worker session.
type Result struct {
	Outcome string      `json:"outcome"`
	Handled []RunReport `json:"handled,omitempty"`
}

// Options configures a worker session.
type Options struct {
	MateName string
	AgentID  string
	Session  string

	PollInterval   time.Duration
	RunTimeout     time.Duration
	OverallTimeout time.Duration
	ClaimTTL       time.Duration
}

// Worker polls the runs directory, claims one ready run at a time, and waits
// for an external agent to drive the run out of the active hierarchy.
type Worker struct {
	opts        Options
	registry    *mate.Registry
	coordinator *claim.Coordinator
	store       *runstore.VersionedStore
	now         func() time.Time
	logger      *log.Logger
	logLevel    LogLevel
}

func New(opts Options, registry *mate.Registry, coordinator *claim.Coordinator, store *runstore.VersionedStore) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = time.Hour
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = 4 * time.Hour
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 30 * time.Minute
	}
	return &Worker{
		opts:        opts,
		registry:    registry,
		coordinator: coordinator,
		store:       store,
		now:         time.Now,
		logger:      log.New(os.Stderr, "", 0),
		logLevel:    LogLevelInfo,
	}
}

// WithClock overrides the time source.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// WithLogger overrides the destination and level for session logging.
func (w *Worker) WithLogger(logger *log.Logger, level LogLevel) *Worker {
	w.logger = logger
	w.logLevel = level
	return w
}

func (w *Worker) log(level LogLevel, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s worker: %s", w.now().UTC().Format(time.RFC3339), levelStr, msg)
}

// Run claims the worker's mate, then loops claiming and watching runs until
// the overall deadline, a signal, or context cancellation. The mate is
// released on every exit path.
func (w *Worker) Run(ctx context.Context) (*Result, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := w.registry.Claim(w.opts.MateName, os.Getpid(), w.opts.Session); err != nil {
		return nil, fmt.Errorf("claim mate %s: %w", w.opts.MateName, err)
	}
	w.log(LogLevelInfo, "session start mate=%s agent=%s pid=%d", w.opts.MateName, w.opts.AgentID, os.Getpid())
	defer func() {
		if err := w.registry.Release(w.opts.MateName); err != nil {
			w.log(LogLevelWarn, "release mate=%s err=%v", w.opts.MateName, err)
		}
	}()

	wake := w.watchRunsDir(ctx)

	result := &Result{Outcome: OutcomeStopped}
	deadline := w.now().Add(w.opts.OverallTimeout)

	for {
		if ctx.Err() != nil {
			result.Outcome = OutcomeSignal
			return result, nil
		}
		if !w.now().Before(deadline) {
			result.Outcome = OutcomeTimeout
			return result, nil
		}

		run, err := w.claimNext()
		if err != nil {
			return result, err
		}
		if run != nil {
			report := w.handleRun(ctx, run)
			result.Handled = append(result.Handled, report)
			continue
		}

		if !w.sleep(ctx, wake, w.opts.PollInterval) {
			result.Outcome = OutcomeSignal
			return result, nil
		}
	}
}

// claimNext picks the most urgent claimable ready run and claims it. Lower
// priority values sort first, with creation time as the tiebreak. Conflicts
// lost to another agent are skipped, not errors.
func (w *Worker) claimNext() (*model.Run, error) {
	runs, err := w.store.Store().List()
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}

	now := w.now()
	var candidates []*model.Run
	for _, run := range runs {
		if !model.StateMatches(run.State, model.StateReady) {
			continue
		}
		if run.ClaimLive(now) {
			continue
		}
		if blocked, err := w.coordinator.BlockedBy(run); err == nil && len(blocked) > 0 {
			continue
		}
		candidates = append(candidates, run)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})

	for _, candidate := range candidates {
		run, err := w.coordinator.Claim(candidate.ID, w.opts.AgentID, w.opts.ClaimTTL, false)
		if err != nil {
			var conflict *claim.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return nil, err
		}
		w.log(LogLevelInfo, "claimed run=%s priority=%d", run.ID, run.Priority)
		return run, nil
	}
	return nil, nil
}

// handleRun moves the claimed run into execution, binds the mate to its
// plan, and waits for closure with a per-run timeout.
func (w *Worker) handleRun(ctx context.Context, run *model.Run) RunReport {
	report := RunReport{RunID: run.ID}

	if err := w.startRun(run.ID); err != nil {
		// The run never entered the active hierarchy, so closure polling
		// would misreport it as closed. Hand the claim back instead.
		w.log(LogLevelWarn, "start run=%s err=%v", run.ID, err)
		report.Outcome = "start_failed"
		if current, loadErr := w.store.Store().Load(run.ID); loadErr == nil {
			report.EndState = current.State
		}
		if err := w.coordinator.Release(run.ID, w.opts.AgentID, false); err != nil {
			w.log(LogLevelWarn, "release after failed start run=%s err=%v", run.ID, err)
		}
		return report
	}
	if err := w.registry.Assign(w.opts.MateName, run.PlanPath); err != nil {
		w.log(LogLevelWarn, "assign mate=%s err=%v", w.opts.MateName, err)
	}

	endState, closed := w.awaitClosure(ctx, run.ID)
	if closed {
		w.log(LogLevelInfo, "run closed run=%s state=%s", run.ID, endState)
		report.Outcome = "closed"
		report.EndState = endState
		return report
	}
	w.log(LogLevelWarn, "run timed out run=%s state=%s", run.ID, endState)

	// The run outlived its window. Hand the claim back so another agent
	// may pick it up.
	report.Outcome = "run_timeout"
	report.EndState = endState
	if err := w.coordinator.Release(run.ID, w.opts.AgentID, false); err != nil {
		w.log(LogLevelWarn, "release after timeout run=%s err=%v", run.ID, err)
	}
	return report
}

// startRun transitions a freshly claimed run into the active hierarchy.
func (w *Worker) startRun(runID string) error {
	run, version, err := w.store.LoadVersioned(runID)
	if err != nil {
		return err
	}
	if model.StateMatches(run.State, model.StateActive) {
		return nil
	}
	if err := model.ApplyTransition(run, model.StateActiveExecuting, w.opts.AgentID, "worker pickup", w.now()); err != nil {
		return err
	}
	_, err = w.store.SaveIfFresh(run, version)
	return err
}

// awaitClosure polls the run until it leaves the active hierarchy or the
// per-run timeout passes. Returns the last observed state.
func (w *Worker) awaitClosure(ctx context.Context, runID string) (string, bool) {
	deadline := w.now().Add(w.opts.RunTimeout)
	lastState := ""
	for {
		run, err := w.store.Store().Load(runID)
		if err != nil {
			w.log(LogLevelWarn, "reload run=%s err=%v", runID, err)
		} else {
			lastState = run.State
			if !model.StateMatches(run.State, model.StateActive) {
				return lastState, true
			}
		}

		if ctx.Err() != nil || !w.now().Before(deadline) {
			return lastState, false
		}

		// Session heartbeat keeps the mate from being judged stale.
		if err := w.registry.Touch(w.opts.MateName); err != nil {
			w.log(LogLevelWarn, "touch mate=%s err=%v", w.opts.MateName, err)
		}
		if !w.sleep(ctx, nil, w.opts.PollInterval) {
			return lastState, false
		}
	}
}

// watchRunsDir starts an fsnotify watcher so the poll loop wakes as soon as
// a run file changes. Returns nil when watching is unavailable; the poll
// timer alone still makes progress.
func (w *Worker) watchRunsDir(ctx context.Context) <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log(LogLevelWarn, "fsnotify unavailable, polling only err=%v", err)
		return nil
	}
	if err := watcher.Add(w.store.Store().Dir()); err != nil {
		w.log(LogLevelWarn, "cannot watch runs dir, polling only err=%v", err)
		watcher.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log(LogLevelWarn, "runs dir watch err=%v", err)
			}
		}
	}()
	return wake
}

// sleep waits for the poll interval, an early wake, or cancellation.
// Returns false when the context ended.
func (w *Worker) sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}
