package work

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/events"
)

// tickInterval is how often the processor checks for due interval work.
const tickInterval = 30 * time.Second

// Processor executes work items one at a time. Items come from two paths:
// interval types become due on the tick, and callers enqueue on-demand
// types explicitly (the scheduler, the API).
type Processor struct {
	registry   *Registry
	events     *events.Manager
	log        zerolog.Logger
	now        func() time.Time
	timeout    time.Duration
	marketOpen func(time.Time) bool

	mu      sync.Mutex
	queue   []*Item
	pending map[string]bool

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProcessor creates a processor over the registry. marketOpen gates
// timing-restricted types; nil treats the market as always open.
func NewProcessor(registry *Registry, eventManager *events.Manager, marketOpen func(time.Time) bool, log zerolog.Logger) *Processor {
	if marketOpen == nil {
		marketOpen = func(time.Time) bool { return true }
	}
	return &Processor{
		registry:   registry,
		events:     eventManager,
		log:        log.With().Str("service", "work").Logger(),
		now:        time.Now,
		timeout:    Timeout,
		marketOpen: marketOpen,
		pending:    make(map[string]bool),
		trigger:    make(chan struct{}, 1),
	}
}

// SetClock overrides the clock (used in tests).
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// SetTimeout overrides the per-item timeout (used in tests).
func (p *Processor) SetTimeout(d time.Duration) { p.timeout = d }

// Start launches the processing loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
	p.log.Info().Msg("Work processor started")
}

// Stop halts the loop and waits for the in-flight item to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.log.Info().Msg("Work processor stopped")
}

// Healthy reports whether the processing loop is running.
func (p *Processor) Healthy() error {
	if p.done == nil {
		return domain.NewError(domain.ErrInvalidData, "work processor not started")
	}
	select {
	case <-p.done:
		return domain.NewError(domain.ErrInvalidData, "work processor stopped")
	default:
		return nil
	}
}

// Enqueue queues one execution of a registered type. Duplicate queue
// entries for the same type collapse into one.
func (p *Processor) Enqueue(typeID string) error {
	t := p.registry.Get(typeID)
	if t == nil {
		return domain.Errorf(domain.ErrNotFound, "unknown work type %q", typeID)
	}
	p.add(t)
	p.wake()
	return nil
}

// QueueDepth returns the number of queued items.
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Processor) add(t *Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[t.ID] {
		return
	}
	p.pending[t.ID] = true
	p.queue = append(p.queue, &Item{Type: t, EnqueuedAt: p.now()})
}

func (p *Processor) wake() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.enqueueDue()
			p.drain(ctx)
		case <-p.trigger:
			p.drain(ctx)
		}
	}
}

func (p *Processor) enqueueDue() {
	for _, t := range p.registry.Due(p.now()) {
		p.add(t)
	}
}

// drain runs queued items one at a time until the queue is empty or ctx
// ends. Timing-blocked items stay queued for a later pass.
func (p *Processor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		item := p.next()
		if item == nil {
			return
		}
		p.execute(ctx, item)
	}
}

// next pops the highest-priority runnable item. Items whose timing gate is
// closed are skipped but kept.
func (p *Processor) next() *Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, item := range p.queue {
		if !p.runnable(item.Type) {
			continue
		}
		if best < 0 || item.Type.Priority > p.queue[best].Type.Priority {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	item := p.queue[best]
	p.queue = append(p.queue[:best], p.queue[best+1:]...)
	delete(p.pending, item.Type.ID)
	return item
}

func (p *Processor) runnable(t *Type) bool {
	open := p.marketOpen(p.now())
	switch t.Timing {
	case MarketOpen:
		return open
	case MarketClosed:
		return !open
	default:
		return true
	}
}

func (p *Processor) execute(ctx context.Context, item *Item) {
	item.Attempts++
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := item.Type.Run(runCtx)
	cancel()

	if err == nil {
		p.registry.MarkComplete(item.Type.ID, p.now())
		p.log.Debug().Str("work_type", item.Type.ID).Int("attempts", item.Attempts).Msg("Work item completed")
		return
	}

	if item.Attempts < MaxAttempts {
		p.log.Warn().Err(err).Str("work_type", item.Type.ID).
			Int("attempts", item.Attempts).Msg("Work item failed, requeueing")
		p.mu.Lock()
		if !p.pending[item.Type.ID] {
			p.pending[item.Type.ID] = true
			p.queue = append(p.queue, item)
		}
		p.mu.Unlock()
		return
	}

	p.log.Error().Err(err).Str("work_type", item.Type.ID).Msg("Work item failed permanently")
	if p.events != nil {
		p.events.EmitError("work", err, map[string]interface{}{
			"work_type": item.Type.ID,
			"attempts":  item.Attempts,
		})
	}
}
