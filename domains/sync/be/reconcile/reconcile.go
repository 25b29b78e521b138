// Package reconcile diffs freshly fetched vendor entities against the stored
// mirror rows for the same scope and applies the minimal insert/update/delete
// set, stamping every touched row with the current sync id.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mythidas/mspbyte-sync/platform/go/metrics"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// Store is the slice of a mirror table one sync pass owns.
type Store interface {
	Table() string
	ListByScope(ctx context.Context, scope persistence.MirrorScope) ([]persistence.MirrorRecord, error)
	UpsertBatch(ctx context.Context, records []persistence.MirrorRecord) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// Options tunes one reconciliation pass.
type Options struct {
	// ShouldDelete removes stored rows absent from the latest fetch, making
	// the mirror reflect the fetch exactly. Callers disable it when the fetch
	// is known to be partial.
	ShouldDelete bool
}

// DefaultOptions matches the common full-fetch case.
func DefaultOptions() Options {
	return Options{ShouldDelete: true}
}

// Plan partitions incoming entities against existing rows by external id.
type Plan struct {
	Inserts []persistence.MirrorRecord
	Updates []persistence.MirrorRecord
	Deletes []persistence.MirrorRecord
}

// Result reports applied row counts.
type Result struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Diff computes the insert/update/delete partition keyed on external id.
// Matched incoming rows keep the existing row's internal id and created_at.
func Diff(existing, incoming []persistence.MirrorRecord) Plan {
	byKey := make(map[string]persistence.MirrorRecord, len(existing))
	for _, rec := range existing {
		byKey[rec.ExternalID] = rec
	}

	var plan Plan
	matched := make(map[string]bool, len(incoming))
	for _, inc := range incoming {
		if matched[inc.ExternalID] {
			// Vendors occasionally repeat rows across pages; first one wins.
			continue
		}
		matched[inc.ExternalID] = true

		if ex, ok := byKey[inc.ExternalID]; ok {
			plan.Updates = append(plan.Updates, mergeOver(ex, inc))
		} else {
			plan.Inserts = append(plan.Inserts, inc)
		}
	}

	for _, rec := range existing {
		if !matched[rec.ExternalID] {
			plan.Deletes = append(plan.Deletes, rec)
		}
	}
	return plan
}

// mergeOver lays the incoming payload over the existing row, preserving the
// internal identity.
func mergeOver(existing, incoming persistence.MirrorRecord) persistence.MirrorRecord {
	merged := incoming
	merged.ID = existing.ID
	merged.CreatedAt = existing.CreatedAt
	return merged
}

// Sync fetches existing rows for the scope, diffs the incoming set and applies
// the plan. Only the initial fetch is fatal: delete/upsert failures are logged
// and skipped so one bad row never wedges the whole pass.
func Sync(ctx context.Context, store Store, scope persistence.MirrorScope, incoming []persistence.MirrorRecord, syncID uuid.UUID, opts Options, logger *zap.Logger) (Result, error) {
	existing, err := store.ListByScope(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("list %s for %s: %w", store.Table(), scope.SourceID, err)
	}

	plan := Diff(existing, incoming)
	now := time.Now().UTC()

	var result Result

	if opts.ShouldDelete && len(plan.Deletes) > 0 {
		ids := make([]uuid.UUID, 0, len(plan.Deletes))
		for _, rec := range plan.Deletes {
			ids = append(ids, rec.ID)
		}
		if err := store.DeleteByIDs(ctx, ids); err != nil {
			logger.Warn("reconcile delete failed",
				zap.String("table", store.Table()),
				zap.Int("rows", len(ids)),
				zap.Error(err),
			)
		} else {
			result.Deleted = len(ids)
		}
	}

	writes := make([]persistence.MirrorRecord, 0, len(plan.Inserts)+len(plan.Updates))
	for _, rec := range plan.Inserts {
		rec.SyncID = syncID
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		writes = append(writes, rec)
	}
	for _, rec := range plan.Updates {
		rec.SyncID = syncID
		rec.UpdatedAt = now
		writes = append(writes, rec)
	}

	if len(writes) > 0 {
		if err := store.UpsertBatch(ctx, writes); err != nil {
			logger.Warn("reconcile upsert failed",
				zap.String("table", store.Table()),
				zap.Int("rows", len(writes)),
				zap.Error(err),
			)
		} else {
			result.Inserted = len(plan.Inserts)
			result.Updated = len(plan.Updates)
		}
	}

	metrics.ObserveReconcile(store.Table(), result.Inserted, result.Updated, result.Deleted)
	return result, nil
}
