package di

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/domain"
	"github.com/aristath/warden/internal/portfolio"
	"github.com/aristath/warden/internal/protocol"
)

// rescanInterval is how often the runner looks for newly opened positions.
const rescanInterval = time.Minute

// protocolRunner keeps one monitoring goroutine per open position. The
// protocol engine owns the cadence; the runner owns discovery and shutdown.
type protocolRunner struct {
	engine    *protocol.Engine
	positions *portfolio.PositionRepository
	log       zerolog.Logger

	mu      sync.Mutex
	watched map[string]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newProtocolRunner(engine *protocol.Engine, positions *portfolio.PositionRepository, log zerolog.Logger) *protocolRunner {
	return &protocolRunner{
		engine:    engine,
		positions: positions,
		log:       log.With().Str("component", "protocol_runner").Logger(),
		watched:   make(map[string]bool),
	}
}

// Start tracks every open position and begins the discovery loop.
func (r *protocolRunner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.scan(runCtx); err != nil {
		cancel()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.scan(runCtx); err != nil {
					r.log.Error().Err(err).Msg("Position rescan failed")
				}
			}
		}
	}()
	return nil
}

// Stop halts discovery and waits for the per-position goroutines.
func (r *protocolRunner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// scan tracks open positions the runner has not seen yet. A goroutine ends
// on its own when its position leaves OPEN; the id stays in watched because
// position ids are never reused.
func (r *protocolRunner) scan(ctx context.Context) error {
	open, err := r.positions.GetOpen()
	if err != nil {
		return err
	}
	for _, pos := range open {
		r.mu.Lock()
		if r.watched[pos.ID] {
			r.mu.Unlock()
			continue
		}
		r.watched[pos.ID] = true
		r.mu.Unlock()

		r.engine.Track(pos)
		r.watch(ctx, pos.ID)
	}
	return nil
}

func (r *protocolRunner) watch(ctx context.Context, positionID string) {
	fetch := func() (*domain.Position, bool) {
		pos, err := r.positions.GetByID(positionID)
		if err != nil {
			return nil, false
		}
		return pos, true
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.engine.RunPosition(ctx, positionID, fetch)
	}()
}
