// Package mirror runs the snapshot, commit and pin pipeline that keeps a
// publisher's site in the content store, and pins other publishers' sites
// on request.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"freepress/pkg/contentstore"
	"freepress/pkg/metrics"
	"freepress/pkg/snapshot"
	"freepress/pkg/storage"
	"freepress/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBusy    = errors.New("mirror: pipeline busy")
	ErrTimeout = errors.New("mirror: stage timed out")
)

type State int

const (
	StateIdle State = iota
	StateSnapshotting
	StateCommitting
	StatePinning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSnapshotting:
		return "snapshotting"
	case StateCommitting:
		return "committing"
	case StatePinning:
		return "pinning"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a run is in progress in this state.
func (s State) Active() bool {
	return s == StateSnapshotting || s == StateCommitting || s == StatePinning
}

// StageError records which stage a failed run stopped in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Config struct {
	SnapshotTimeout time.Duration
	CommitTimeout   time.Duration
	PinTimeout      time.Duration
	InitialDelay    time.Duration
	Interval        time.Duration

	// Stamped on local records.
	Title  string
	PubKey string
}

func DefaultConfig() Config {
	return Config{
		SnapshotTimeout: 2 * time.Minute,
		CommitTimeout:   5 * time.Minute,
		PinTimeout:      2 * time.Minute,
		InitialDelay:    30 * time.Second,
		Interval:        time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = d.SnapshotTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = d.CommitTimeout
	}
	if c.PinTimeout <= 0 {
		c.PinTimeout = d.PinTimeout
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
}

// Result describes a completed run. A run whose pin failed is still
// complete: Pinned is false and PinError says why.
type Result struct {
	RunID      string    `json:"run_id"`
	SiteCID    string    `json:"site_cid"`
	SizeBytes  int64     `json:"size_bytes"`
	Files      int       `json:"files"`
	Pinned     bool      `json:"pinned"`
	PinError   string    `json:"pin_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Status struct {
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	Running    bool      `json:"running"`
	LastResult *Result   `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Successes  uint64    `json:"successes"`
	Partials   uint64    `json:"partials"`
	Failures   uint64    `json:"failures"`
	NextRunAt  time.Time `json:"next_run_at,omitempty"`
}

// Pipeline allows one active run at a time. Run and the scheduler race
// for the same guard; the loser gets ErrBusy.
type Pipeline struct {
	snap    snapshot.Snapshotter
	store   contentstore.Store
	records storage.RecordStore
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	running sync.Mutex

	mu         sync.Mutex
	state      State
	lastResult *Result
	lastErr    error
	successes  uint64
	partials   uint64
	failures   uint64
	nextRunAt  time.Time
	hooks      []func(Result)

	sitesMu sync.Mutex
	sites   map[string]struct{}
}

func New(snap snapshot.Snapshotter, store contentstore.Store, records storage.RecordStore, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cfg.applyDefaults()
	return &Pipeline{
		snap:    snap,
		store:   store,
		records: records,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		sites:   make(map[string]struct{}),
	}
}

// OnPublished registers fn to run after each completed local run, pinned
// or not. Hooks run on the run's goroutine.
func (p *Pipeline) OnPublished(fn func(Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// SetPubKey changes the publisher key stamped on later local records.
func (p *Pipeline) SetPubKey(pubKey string) {
	p.mu.Lock()
	p.cfg.PubKey = pubKey
	p.mu.Unlock()
}

// Run performs one snapshot, commit and pin cycle. Stages are bounded by
// their timeouts, not by ctx: a caller going away does not abort a run.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.running.TryLock() {
		p.metrics.PipelineRuns.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	defer p.running.Unlock()

	ctx = context.WithoutCancel(ctx)
	res := &Result{RunID: uuid.NewString(), StartedAt: time.Now()}
	logger := p.logger.With(zap.String("run_id", res.RunID))
	logger.Info("Mirror pipeline run started")

	p.setState(StateSnapshotting)
	tree, err := runStage(ctx, p, StateSnapshotting, p.cfg.SnapshotTimeout, p.snap.Snapshot)
	if err != nil {
		return nil, p.fail(logger, StateSnapshotting, err)
	}
	res.Files = len(tree)
	res.SizeBytes = contentstore.TreeSize(tree)

	p.setState(StateCommitting)
	root, err := runStage(ctx, p, StateCommitting, p.cfg.CommitTimeout, func(ctx context.Context) (string, error) {
		id, err := p.store.Add(ctx, tree)
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
	if err != nil {
		return nil, p.fail(logger, StateCommitting, err)
	}
	res.SiteCID = root

	p.setState(StatePinning)
	_, pinErr := runStage(ctx, p, StatePinning, p.cfg.PinTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.pinString(ctx, root)
	})
	res.Pinned = pinErr == nil
	if pinErr != nil {
		res.PinError = pinErr.Error()
		logger.Warn("Pin failed after successful add",
			zap.String("site_cid", root),
			zap.Error(pinErr))
	}
	res.FinishedAt = time.Now()

	p.mu.Lock()
	pubKey := p.cfg.PubKey
	p.mu.Unlock()
	rec := types.MirrorRecord{
		CID:       root,
		SiteCID:   root,
		PubKey:    pubKey,
		Title:     p.cfg.Title,
		SizeBytes: res.SizeBytes,
		Pinned:    res.Pinned,
		PinError:  res.PinError,
		Origin:    types.OriginLocal,
	}
	if res.Pinned {
		rec.PinnedAt = res.FinishedAt.UnixMilli()
	}
	if err := p.records.Put(ctx, rec); err != nil {
		logger.Error("Failed to save mirror record", zap.String("cid", root), zap.Error(err))
	}
	p.refreshPinnedGauge(ctx)

	p.mu.Lock()
	p.state = StateDone
	p.lastResult = res
	p.lastErr = nil
	if res.Pinned {
		p.successes++
	} else {
		p.partials++
	}
	hooks := slices.Clone(p.hooks)
	p.mu.Unlock()

	if res.Pinned {
		p.metrics.PipelineRuns.WithLabelValues("success").Inc()
	} else {
		p.metrics.PipelineRuns.WithLabelValues("partial").Inc()
	}
	logger.Info("Mirror pipeline run finished",
		zap.String("site_cid", root),
		zap.Int64("size_bytes", res.SizeBytes),
		zap.Int("files", res.Files),
		zap.Bool("pinned", res.Pinned),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))

	for _, hook := range hooks {
		hook(*res)
	}
	return res, nil
}

func (p *Pipeline) fail(logger *zap.Logger, stage State, err error) error {
	stageErr := &StageError{Stage: stage, Err: err}

	p.mu.Lock()
	p.state = StateFailed
	p.lastErr = stageErr
	p.failures++
	p.mu.Unlock()

	p.metrics.PipelineRuns.WithLabelValues("failed").Inc()
	logger.Error("Mirror pipeline run failed",
		zap.String("stage", stage.String()),
		zap.Error(err))
	return stageErr
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// runStage runs fn under a hard timeout. A stage that ignores its context
// is abandoned; its goroutine finishes in the background.
func runStage[T any](ctx context.Context, p *Pipeline, stage State, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		p.metrics.StageDuration.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
	}()

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(stageCtx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return out.v, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, out.err)
		}
		return out.v, out.err
	case <-stageCtx.Done():
		var zero T
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// Status is a snapshot of the pipeline's state and counters.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:     p.state,
		StateName: p.state.String(),
		Running:   p.state.Active(),
		Successes: p.successes,
		Partials:  p.partials,
		Failures:  p.failures,
		NextRunAt: p.nextRunAt,
	}
	if p.lastResult != nil {
		r := *p.lastResult
		st.LastResult = &r
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// Start runs the pipeline after InitialDelay and then every Interval until
// ctx is done.
func (p *Pipeline) Start(ctx context.Context) {
	go p.schedule(ctx)
}

func (p *Pipeline) schedule(ctx context.Context) {
	p.setNextRun(time.Now().Add(p.cfg.InitialDelay))
	timer := time.NewTimer(p.cfg.InitialDelay)
	defer timer.Stop()

	p.logger.Info("Mirror pipeline scheduler started",
		zap.Duration("initial_delay", p.cfg.InitialDelay),
		zap.Duration("interval", p.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := p.Run(ctx); errors.Is(err, ErrBusy) {
				p.logger.Info("Skipping scheduled run, pipeline busy")
			}
			p.setNextRun(time.Now().Add(p.cfg.Interval))
			timer.Reset(p.cfg.Interval)
		}
	}
}

func (p *Pipeline) setNextRun(t time.Time) {
	p.mu.Lock()
	p.nextRunAt = t
	p.mu.Unlock()
}
