// Package orchestrator owns the component lifecycle: ordered startup,
// reverse-order shutdown with a force-stop deadline, the periodic health
// loop, and the VIX posture watch that parks accounts in safe mode.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/hedging"
	"github.com/aristath/warden/internal/metrics"
)

// SystemStatus is the aggregate state of the process.
type SystemStatus string

const (
	StatusStarting SystemStatus = "STARTING"
	StatusRunning  SystemStatus = "RUNNING"
	StatusDegraded SystemStatus = "DEGRADED"
	StatusSafeMode SystemStatus = "SAFE_MODE"
	StatusStopping SystemStatus = "STOPPING"
	StatusStopped  SystemStatus = "STOPPED"
)

const (
	healthInterval = 30 * time.Second
	// stopTimeout bounds one component's Stop; at twice this the component
	// is abandoned and shutdown moves on.
	stopTimeout = 10 * time.Second
)

// Component is one managed unit. Start, Stop and Probe are all optional:
// nil Start means the component was constructed ready, nil Probe means it
// is assumed healthy.
type Component struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func()
	Probe func() error
}

// SafeModeSink parks accounts when volatility demands it. Satisfied by
// *accounts.Manager.
type SafeModeSink interface {
	EnterSafeMode(reason string) error
}

// PostureSource classifies a VIX print. Satisfied by *hedging.Manager.
type PostureSource interface {
	Posture(vix float64) hedging.Posture
}

// Orchestrator coordinates startup, shutdown and health.
type Orchestrator struct {
	components []Component
	auditLog   *audit.Log
	events     *events.Manager
	metrics    *metrics.Metrics
	accounts   SafeModeSink
	postures   PostureSource
	vix        func() (float64, bool)
	log        zerolog.Logger

	mu       sync.Mutex
	status   SystemStatus
	health   map[string]string
	posture  hedging.Posture
	safeMode bool
	started  []Component

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the orchestrator. vix reads the latest VIX level; metrics,
// accounts and postures may be nil when the respective wiring is absent
// (standalone tooling, tests).
func New(
	components []Component,
	auditLog *audit.Log,
	eventManager *events.Manager,
	m *metrics.Metrics,
	accounts SafeModeSink,
	postures PostureSource,
	vix func() (float64, bool),
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		components: components,
		auditLog:   auditLog,
		events:     eventManager,
		metrics:    m,
		accounts:   accounts,
		postures:   postures,
		vix:        vix,
		log:        log.With().Str("service", "orchestrator").Logger(),
		status:     StatusStopped,
		health:     make(map[string]string),
		posture:    hedging.PostureNormal,
	}
}

// Start brings components up in order. A component failure tears down what
// already started, in reverse, and returns the error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setStatus(StatusStarting, "")

	for _, c := range o.components {
		if c.Start != nil {
			if err := c.Start(ctx); err != nil {
				o.log.Error().Err(err).Str("component", c.Name).Msg("Component failed to start")
				o.audit("system_start_failed", map[string]interface{}{
					"component": c.Name,
					"error":     err.Error(),
				})
				o.stopStarted()
				o.setStatus(StatusStopped, "")
				return domain.WrapError(domain.ErrConfig, err, "start "+c.Name)
			}
		}
		o.mu.Lock()
		o.started = append(o.started, c)
		o.mu.Unlock()
		o.log.Info().Str("component", c.Name).Msg("Component started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.healthLoop(runCtx)

	o.setStatus(StatusRunning, "")
	o.audit("system_started", map[string]interface{}{"components": len(o.components)})
	o.events.Emit(events.SystemStarted, "orchestrator", &events.SystemStatusData{Status: string(StatusRunning)})
	o.log.Info().Int("components", len(o.components)).Msg("System started")
	return nil
}

// Stop tears components down in reverse order. A component that does not
// stop within twice the stop timeout is abandoned.
func (o *Orchestrator) Stop() {
	o.setStatus(StatusStopping, "")
	o.events.Emit(events.SystemStopping, "orchestrator", &events.SystemStatusData{Status: string(StatusStopping)})

	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
	o.stopStarted()

	o.audit("system_stopped", nil)
	o.setStatus(StatusStopped, "")
	o.log.Info().Msg("System stopped")
}

func (o *Orchestrator) stopStarted() {
	o.mu.Lock()
	started := o.started
	o.started = nil
	o.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if c.Stop == nil {
			continue
		}
		stopped := make(chan struct{})
		go func() {
			c.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
			o.log.Info().Str("component", c.Name).Msg("Component stopped")
		case <-time.After(2 * stopTimeout):
			o.log.Error().Str("component", c.Name).Msg("Component ignored stop deadline, abandoning")
		}
	}
}

// Status reports the aggregate status.
func (o *Orchestrator) Status() SystemStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Posture reports the last observed VIX posture.
func (o *Orchestrator) Posture() hedging.Posture {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.posture
}

// Health returns the per-component probe results, empty string meaning
// healthy, sorted by component name.
func (o *Orchestrator) Health() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.health))
	for k, v := range o.health {
		out[k] = v
	}
	return out
}

// Gate refuses state-changing operations unless the system is RUNNING.
// Degraded and safe-mode systems keep monitoring but open nothing new.
func (o *Orchestrator) Gate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusRunning {
		return domain.Errorf(domain.ErrRuleViolation, "system is %s: new positions are blocked", o.status)
	}
	return nil
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckHealth()
		}
	}
}

// CheckHealth runs every probe once and reconciles the aggregate status.
// The health loop calls it on a fixed interval.
func (o *Orchestrator) CheckHealth() {
	results := make(map[string]string, len(o.components))
	var failing []string
	for _, c := range o.components {
		if c.Probe == nil {
			results[c.Name] = ""
			continue
		}
		if err := c.Probe(); err != nil {
			results[c.Name] = err.Error()
			failing = append(failing, c.Name)
		} else {
			results[c.Name] = ""
		}
	}
	sort.Strings(failing)

	o.mu.Lock()
	previous := o.health
	o.health = results
	status := o.status
	o.mu.Unlock()

	for _, name := range failing {
		if previous[name] == results[name] {
			continue // already reported
		}
		o.log.Warn().Str("component", name).Str("error", results[name]).Msg("Component degraded")
		o.events.Emit(events.ComponentDegraded, "orchestrator", &events.ComponentDegradedData{
			Component: name,
			Error:     results[name],
		})
	}
	if o.metrics != nil {
		for name, errText := range results {
			v := 1.0
			if errText != "" {
				v = 0.0
			}
			o.metrics.SetComponentHealth(name, v)
		}
	}

	if status == StatusStopping || status == StatusStopped || status == StatusStarting {
		return
	}
	o.watchPosture()

	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.safeMode:
		o.statusLocked(StatusSafeMode, "volatility")
	case len(failing) > 0:
		o.statusLocked(StatusDegraded, failing[0])
	default:
		o.statusLocked(StatusRunning, "")
	}
}

// watchPosture reads the VIX and parks accounts when the posture crosses
// into safe mode or kill switch. Safe mode is sticky until an operator
// resumes the system.
func (o *Orchestrator) watchPosture() {
	if o.vix == nil || o.postures == nil {
		return
	}
	level, ok := o.vix()
	if !ok {
		return
	}
	posture := o.postures.Posture(level)

	o.mu.Lock()
	o.posture = posture
	alreadySafe := o.safeMode
	if posture == hedging.PostureSafeMode || posture == hedging.PostureKillSwitch {
		o.safeMode = true
	}
	entering := o.safeMode && !alreadySafe
	o.mu.Unlock()

	if !entering {
		return
	}

	reason := "vix " + string(posture)
	o.log.Warn().Float64("vix", level).Str("posture", string(posture)).Msg("Entering safe mode")
	if o.accounts != nil {
		if err := o.accounts.EnterSafeMode(reason); err != nil {
			o.log.Error().Err(err).Msg("Failed to park accounts in safe mode")
		}
	}
	o.audit("safe_mode_entered", map[string]interface{}{"vix": level, "posture": string(posture)})
	o.events.Emit(events.SafeModeEntered, "orchestrator", &events.SafeModeData{Reason: reason})
}

// Resume clears safe mode after an operator decision. The next health pass
// recomputes the aggregate status.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.safeMode = false
	o.mu.Unlock()
	o.audit("safe_mode_cleared", nil)
	o.events.Emit(events.SafeModeExited, "orchestrator", &events.SafeModeData{Reason: "operator resume"})
	o.CheckHealth()
}

func (o *Orchestrator) setStatus(s SystemStatus, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusLocked(s, reason)
}

// statusLocked updates the status and announces changes. Caller holds mu.
func (o *Orchestrator) statusLocked(s SystemStatus, reason string) {
	if o.status == s {
		return
	}
	from := o.status
	o.status = s
	o.log.Info().Str("from", string(from)).Str("to", string(s)).Msg("System status changed")
	if o.events != nil {
		o.events.Emit(events.SystemStatusChanged, "orchestrator", &events.SystemStatusData{
			Status: string(s),
			Reason: reason,
		})
	}
}

func (o *Orchestrator) audit(event string, payload map[string]interface{}) {
	if o.auditLog == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["event"] = event
	if _, err := o.auditLog.Append(audit.Record{
		Kind:    audit.KindSystem,
		Actor:   "orchestrator",
		Payload: payload,
	}); err != nil {
		o.log.Error().Err(err).Str("event", event).Msg("Failed to audit system event")
	}
}
