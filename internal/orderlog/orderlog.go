// Package orderlog provides the append-only Order Log: an audit record of
// every order the replicator attempted to place, and — in dry-run mode —
// the source of truth for simulated child positions.
package orderlog

import (
	"time"

	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/internal/storefile"
	"github.com/Pranav0209/trade-replicator/pkg/types"
	"github.com/Pranav0209/trade-replicator/pkg/utils"
)

type document struct {
	Orders []types.OrderLogEntry `json:"orders"`
}

// Log owns the on-disk append-only order history.
type Log struct {
	logger   *zap.Logger
	file     *storefile.File
	onAppend func(types.OrderLogEntry)
}

// New opens (or creates) the order log backed by path.
func New(logger *zap.Logger, path string) (*Log, error) {
	f, err := storefile.New(logger, path)
	if err != nil {
		return nil, err
	}
	return &Log{logger: logger.Named("orderlog"), file: f}, nil
}

// OnAppend registers fn to be called after every successful Append, with the
// stamped entry. Used by the admin API to push fills to WebSocket clients as
// they happen. Must be called before the log is shared across goroutines.
func (l *Log) OnAppend(fn func(types.OrderLogEntry)) {
	l.onAppend = fn
}

// Append records a new order log entry, stamping its id and timestamp if
// unset.
func (l *Log) Append(entry types.OrderLogEntry) error {
	if entry.ID == "" {
		entry.ID = utils.GenerateID("ord")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var doc document
	if err := l.file.Update(&doc, func() error {
		doc.Orders = append(doc.Orders, entry)
		return nil
	}); err != nil {
		return err
	}

	if l.onAppend != nil {
		l.onAppend(entry)
	}
	return nil
}

// ForChildSince returns every entry for childID with Timestamp >= since,
// in append order. Used by the replicator's dry-run position
// reconstruction, filtered to the current cycle.
func (l *Log) ForChildSince(childID string, since time.Time) ([]types.OrderLogEntry, error) {
	var doc document
	if err := l.file.Read(&doc); err != nil {
		return nil, err
	}
	out := make([]types.OrderLogEntry, 0)
	for _, e := range doc.Orders {
		if e.ChildID == childID && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ForChild returns every entry for childID, optionally capped to the most
// recent limit entries (0 means unlimited). Used by the admin API.
func (l *Log) ForChild(childID string, limit int) ([]types.OrderLogEntry, error) {
	var doc document
	if err := l.file.Read(&doc); err != nil {
		return nil, err
	}
	out := make([]types.OrderLogEntry, 0)
	for _, e := range doc.Orders {
		if childID == "" || e.ChildID == childID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
