// Package orchestrator supervises the delivery pipeline: it starts the
// producers and the queue in dependency order, aggregates their health,
// and shuts everything down as one unit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Component is one supervised child. Start and Stop must be idempotent.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy() bool
}

// Pausable children stop producing new work on Pause while in-flight work
// finishes.
type Pausable interface {
	Pause()
	Resume()
}

// Reconciler children can converge their state against the record store
// on demand (force-reconciliation from the control surface).
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

type Config struct {
	HealthInterval time.Duration
	StopTimeout    time.Duration
	// CheckpointInterval bounds the coordination loop's own history: the
	// loop restarts from a clean slate this often. Required for
	// long-lived durably-scheduled processes, not an optimization.
	CheckpointInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 24 * time.Hour
	}
}

// ComponentHealth is one child's entry in the aggregate report.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
}

// Health is the aggregate view served by the health endpoints.
type Health struct {
	Status     string            `json:"status"`
	State      State             `json:"state"`
	Uptime     time.Duration     `json:"uptime"`
	Paused     bool              `json:"paused"`
	Components []ComponentHealth `json:"components"`
}

type Orchestrator struct {
	cfg        Config
	components []Component
	logger     *logger.Logger

	mu        sync.Mutex
	state     State
	paused    bool
	degraded  bool
	startedAt time.Time
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// New builds an orchestrator over components given in dependency order:
// the delivery queue first, producers after it.
func New(cfg Config, log *logger.Logger, components ...Component) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		components: components,
		logger:     log.WithComponent("orchestrator"),
		state:      StateStopped,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start brings every child up in order. If one fails, children already
// started are stopped again and the error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return apperrors.NewConfiguration(fmt.Sprintf("cannot start from state %q", o.state), nil)
	}
	o.state = StateStarting
	o.mu.Unlock()

	o.logger.Info("starting pipeline", "components", len(o.components))

	for i, c := range o.components {
		if err := c.Start(ctx); err != nil {
			o.logger.Error(err, "component failed to start", "name", c.Name())
			// Unwind in reverse order; collect but do not mask.
			stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
			for j := i - 1; j >= 0; j-- {
				if stopErr := o.components[j].Stop(stopCtx); stopErr != nil {
					o.logger.Error(stopErr, "component failed to stop during unwind", "name", o.components[j].Name())
				}
			}
			cancel()
			o.mu.Lock()
			o.state = StateStopped
			o.mu.Unlock()
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		o.logger.Info("component started", "name", c.Name())
	}

	o.mu.Lock()
	o.state = StateRunning
	o.paused = false
	o.startedAt = time.Now()
	o.stopCh = make(chan struct{})
	o.loopDone = make(chan struct{})
	o.mu.Unlock()

	go o.superviseLoop()
	return nil
}

// superviseLoop polls child health and periodically checkpoints itself by
// re-entering healthLoop, keeping any per-run history bounded.
func (o *Orchestrator) superviseLoop() {
	defer close(o.loopDone)
	for {
		if done := o.healthLoop(); done {
			return
		}
		o.logger.Info("supervision loop checkpoint, restarting clean")
	}
}

// healthLoop runs one checkpoint window. Returns true when the
// orchestrator is stopping.
func (o *Orchestrator) healthLoop() (done bool) {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	checkpoint := time.NewTimer(o.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	checks := 0
	for {
		select {
		case <-o.stopCh:
			return true
		case <-checkpoint.C:
			o.logger.Debug("checkpoint window elapsed", "health_checks", checks)
			return false
		case <-ticker.C:
			checks++
			o.refreshHealth()
		}
	}
}

func (o *Orchestrator) refreshHealth() {
	degraded := false
	for _, c := range o.components {
		if !c.Healthy() {
			degraded = true
			o.logger.Warn("component unhealthy", "name", c.Name())
		}
	}

	o.mu.Lock()
	changed := degraded != o.degraded
	o.degraded = degraded
	o.mu.Unlock()

	if changed {
		if degraded {
			o.logger.Warn("pipeline degraded")
		} else {
			o.logger.Info("pipeline recovered")
		}
	}
}

// Pause stops new-item production without killing in-flight work.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	o.paused = true
	o.mu.Unlock()

	for _, c := range o.components {
		if p, ok := c.(Pausable); ok {
			p.Pause()
		}
	}
	o.logger.Info("pipeline paused")
}

func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	o.paused = false
	o.mu.Unlock()

	for _, c := range o.components {
		if p, ok := c.(Pausable); ok {
			p.Resume()
		}
	}
	o.logger.Info("pipeline resumed")
}

// Reconcile forces every reconciling child to converge now.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if o.State() != StateRunning {
		return apperrors.NewConfiguration("pipeline is not running", nil)
	}
	var errs []error
	for _, c := range o.components {
		if r, ok := c.(Reconciler); ok {
			if err := r.Reconcile(ctx); err != nil {
				o.logger.Error(err, "reconciliation failed", "name", c.Name())
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Stop shuts the pipeline down: intake stops first, in-flight work gets a
// bounded drain, then every child is stopped in reverse order. Child stop
// errors are collected and logged; shutdown always completes.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	close(o.stopCh)
	loopDone := o.loopDone
	o.mu.Unlock()

	<-loopDone
	o.logger.Info("stopping pipeline")

	// Stop producing before tearing anything down so the queue drains
	// real work, not a moving target.
	for _, c := range o.components {
		if p, ok := c.(Pausable); ok {
			p.Pause()
		}
	}

	stopCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(context.Background(), o.cfg.StopTimeout)
		defer cancel()
	}

	var errs []error
	for i := len(o.components) - 1; i >= 0; i-- {
		c := o.components[i]
		if err := c.Stop(stopCtx); err != nil {
			o.logger.Error(err, "component failed to stop", "name", c.Name())
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		o.logger.Info("component stopped", "name", c.Name())
	}

	o.mu.Lock()
	o.state = StateStopped
	o.degraded = false
	o.paused = false
	o.mu.Unlock()

	o.logger.Info("pipeline stopped", "errors", len(errs))
	return errors.Join(errs...)
}

// Health reports the aggregate status: healthy, degraded (running with an
// unhealthy child), or unhealthy (not running at all).
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	state := o.state
	degraded := o.degraded
	paused := o.paused
	startedAt := o.startedAt
	o.mu.Unlock()

	h := Health{State: state, Paused: paused}
	if state == StateRunning {
		h.Uptime = time.Since(startedAt)
	}

	for _, c := range o.components {
		healthy := c.Healthy()
		status := "healthy"
		if !healthy {
			status = "unhealthy"
			degraded = true
		}
		h.Components = append(h.Components, ComponentHealth{
			Name:    c.Name(),
			Status:  status,
			Healthy: healthy,
		})
	}

	switch {
	case state != StateRunning:
		h.Status = "unhealthy"
	case degraded:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}
