// Package strategystate provides the Strategy State Store: the single
// durable record of an active replication cycle. Every mutation is flushed
// to stable storage (write-to-temp-then-rename, via internal/storefile)
// before returning, so the invariants below hold across process restarts.
package strategystate

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/storefile"
	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// Store owns the single persisted strategy-state object.
type Store struct {
	logger   *zap.Logger
	file     *storefile.File
	onChange func(types.StrategyStateSnapshot)
}

// New opens (or creates) the strategy state store backed by path.
func New(logger *zap.Logger, path string) (*Store, error) {
	f, err := storefile.New(logger, path)
	if err != nil {
		return nil, err
	}
	return &Store{logger: logger.Named("strategystate"), file: f}, nil
}

// OnChange registers fn to be called with the new snapshot after every
// Activate or Clear. Used by the admin API to push strategy-state changes to
// WebSocket clients. Must be called before the store is shared across
// goroutines.
func (s *Store) OnChange(fn func(types.StrategyStateSnapshot)) {
	s.onChange = fn
}

func (s *Store) notify() {
	if s.onChange == nil {
		return
	}
	if snap, err := s.read(); err == nil {
		s.onChange(snap)
	}
}

func (s *Store) read() (types.StrategyStateSnapshot, error) {
	var snap types.StrategyStateSnapshot
	if err := s.file.Read(&snap); err != nil {
		return types.StrategyStateSnapshot{}, err
	}
	if snap.FrozenRatio == nil {
		snap.FrozenRatio = make(map[string]float64)
	}
	return snap, nil
}

// IsActive reports whether a replication cycle is currently active.
func (s *Store) IsActive() (bool, error) {
	snap, err := s.read()
	if err != nil {
		return false, err
	}
	return snap.Active, nil
}

// Activate transitions the store from inactive to active, idempotently,
// and stamps the cycle's start time (used to bound the dry-run
// open-position reconstruction to entries made during this cycle).
func (s *Store) Activate() error {
	var snap types.StrategyStateSnapshot
	if err := s.file.Update(&snap, func() error {
		if snap.Active {
			return nil
		}
		snap.Active = true
		now := time.Now()
		snap.CycleStartedAt = &now
		if snap.FrozenRatio == nil {
			snap.FrozenRatio = make(map[string]float64)
		}
		return nil
	}); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Clear resets the store to its null state: inactive, no frozen ratios, no
// master baseline. Only the orchestrator may call this — the replicator
// must never mutate the active flag.
func (s *Store) Clear() error {
	var snap types.StrategyStateSnapshot
	if err := s.file.Update(&snap, func() error {
		snap.Active = false
		snap.MasterInitialMargin = nil
		snap.FrozenRatio = make(map[string]float64)
		snap.CycleStartedAt = nil
		return nil
	}); err != nil {
		return err
	}
	s.notify()
	return nil
}

// GetMasterInitialMargin returns the master's baseline equity for the
// current cycle, or nil if none is recorded.
func (s *Store) GetMasterInitialMargin() (*decimal.Decimal, error) {
	snap, err := s.read()
	if err != nil {
		return nil, err
	}
	return snap.MasterInitialMargin, nil
}

// SetMasterInitialMargin records the master's baseline equity for the
// current cycle.
func (s *Store) SetMasterInitialMargin(x decimal.Decimal) error {
	var snap types.StrategyStateSnapshot
	return s.file.Update(&snap, func() error {
		snap.MasterInitialMargin = &x
		return nil
	})
}

// GetFrozenRatio returns the child's frozen scaling ratio, or 0 if absent.
func (s *Store) GetFrozenRatio(childID string) (float64, error) {
	snap, err := s.read()
	if err != nil {
		return 0, err
	}
	return snap.FrozenRatio[childID], nil
}

// SetFrozenRatio records a child's frozen scaling ratio. Existing entries
// for other children are preserved (frozen_ratio is monotonically
// expanded, never contracted, while a cycle is active).
func (s *Store) SetFrozenRatio(childID string, r float64) error {
	var snap types.StrategyStateSnapshot
	return s.file.Update(&snap, func() error {
		if snap.FrozenRatio == nil {
			snap.FrozenRatio = make(map[string]float64)
		}
		snap.FrozenRatio[childID] = r
		return nil
	})
}

// CycleStartedAt returns the wall-clock time the current cycle began, or
// the zero time if no cycle is active. This resolves the original
// implementation's dangling get_start_time() reference.
func (s *Store) CycleStartedAt() (time.Time, error) {
	snap, err := s.read()
	if err != nil {
		return time.Time{}, err
	}
	if snap.CycleStartedAt == nil {
		return time.Time{}, nil
	}
	return *snap.CycleStartedAt, nil
}

// Snapshot returns the full current state, for the admin API's read-only
// status endpoint.
func (s *Store) Snapshot() (types.StrategyStateSnapshot, error) {
	return s.read()
}
