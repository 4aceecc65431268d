package work

import (
	"context"
	"time"

	"github.com/aristath/warden/internal/atr"
	"github.com/aristath/warden/internal/constitution"
)

// atrWindowFactor sizes the bar window fetched per ATR refresh.
const atrWindowFactor = 3

// ATRComputer is the ATR surface the refresh task needs.
type ATRComputer interface {
	Compute(ctx context.Context, req atr.Request) (atr.Value, error)
}

// SnapshotPersister is the market data surface the persistence task needs.
type SnapshotPersister interface {
	PersistSnapshots() error
}

// Backuper is the reliability surface the backup task needs.
type Backuper interface {
	Backup(ctx context.Context) (string, error)
}

// RegisterATRRefresh registers the warm-cache task: recompute ATR for every
// symbol in the Constitution's universe so protocol evaluations hit a fresh
// cache instead of fetching bars on the monitoring path.
func RegisterATRRefresh(reg *Registry, doc *constitution.Document, svc ATRComputer) {
	policy := doc.Protocol()
	reg.Register(&Type{
		ID:       "atr_refresh",
		Priority: PriorityHigh,
		Timing:   AnyTime,
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			var lastErr error
			for _, symbol := range doc.Universe() {
				_, err := svc.Compute(ctx, atr.Request{
					Symbol:     symbol,
					Period:     policy.ATRPeriod,
					Method:     atr.Method(policy.ATRMethod),
					WindowDays: policy.ATRPeriod * atrWindowFactor,
					AsOf:       time.Now(),
				})
				if err != nil {
					lastErr = err
				}
			}
			return lastErr
		},
	})
}

// RegisterReconciliation registers the broker reconciliation task. The
// reconcile closure is wired by the container since it spans the account
// manager, the broker and the VIX reading.
func RegisterReconciliation(reg *Registry, reconcile func(ctx context.Context) error) {
	reg.Register(&Type{
		ID:       "reconciliation",
		Priority: PriorityCritical,
		Timing:   AnyTime,
		Run:      reconcile,
	})
}

// RegisterSnapshotPersist registers periodic persistence of market
// snapshots so a restart resumes with recent state.
func RegisterSnapshotPersist(reg *Registry, persister SnapshotPersister) {
	reg.Register(&Type{
		ID:       "snapshot_persist",
		Priority: PriorityLow,
		Timing:   AnyTime,
		Interval: 5 * time.Minute,
		Run: func(context.Context) error {
			return persister.PersistSnapshots()
		},
	})
}

// RegisterBackup registers the staged database backup, restricted to
// market-closed hours.
func RegisterBackup(reg *Registry, svc Backuper) {
	reg.Register(&Type{
		ID:       "backup",
		Priority: PriorityLow,
		Timing:   MarketClosed,
		Run: func(ctx context.Context) error {
			_, err := svc.Backup(ctx)
			return err
		},
	})
}
