package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/inkwell-cms/apiserver/internal/logger"
	"github.com/inkwell-cms/apiserver/internal/metrics"
	"github.com/inkwell-cms/apiserver/internal/mq"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ChannelReconcile carries types.ReconcileRequest messages.
const ChannelReconcile = "media.reconcile"

// ReconcileRepository is the slice of MediaRepository the reconciler needs.
type ReconcileRepository interface {
	ListKeys(ctx context.Context, kind types.ResourceKind) ([]types.KeyRef, error)
	DeleteIfKey(ctx context.Context, kind types.ResourceKind, id int64, key string) (bool, error)
}

// ObjectLister enumerates the objects under a folder.
type ObjectLister interface {
	ListKeys(ctx context.Context, folder string, pageLimit int) iter.Seq2[string, error]
	Exists(ctx context.Context, key string) (bool, error)
	Prefix(folder string) string
}

// ReconcileOptions tunes a Reconciler.
type ReconcileOptions struct {
	// PageSize is the per-request listing page size.
	PageSize int
	// ListTimeout bounds each fetch of both sides. Zero means no bound
	// beyond the caller's context.
	ListTimeout time.Duration
}

// Reconciler diffs the database against the object store for one kind and
// removes whatever either side holds that the other does not.
type Reconciler struct {
	repo        ReconcileRepository
	objects     ObjectLister
	compensator *Compensator
	opts        ReconcileOptions
	log         zerolog.Logger
	now         func() time.Time
}

func NewReconciler(repo ReconcileRepository, objects ObjectLister, compensator *Compensator, opts ReconcileOptions, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo:        repo,
		objects:     objects,
		compensator: compensator,
		opts:        opts,
		log:         logger.Component(log, "reconciler"),
		now:         time.Now,
	}
}

// snapshot holds both sides of one fetch. keys also carries the rows'
// out-of-folder keys that were found in the store, so those rows are neither
// stale nor do their objects count as orphans.
type snapshot struct {
	rows []types.KeyRef
	keys map[string]struct{}
}

func (s snapshot) missingInStore() []types.KeyRef {
	var missing []types.KeyRef
	for _, row := range s.rows {
		if _, ok := s.keys[row.StorageKey]; !ok {
			missing = append(missing, row)
		}
	}
	return missing
}

func (s snapshot) missingInDB() []string {
	claimed := make(map[string]struct{}, len(s.rows))
	for _, row := range s.rows {
		claimed[row.StorageKey] = struct{}{}
	}
	var missing []string
	for key := range s.keys {
		if _, ok := claimed[key]; !ok {
			missing = append(missing, key)
		}
	}
	slices.Sort(missing)
	return missing
}

// Reconcile runs one remediation pass for kind.
func (r *Reconciler) Reconcile(ctx context.Context, kind types.ResourceKind) (types.ReconcileReport, error) {
	return r.run(ctx, kind, false)
}

// Plan computes the differences for kind without deleting anything.
func (r *Reconciler) Plan(ctx context.Context, kind types.ResourceKind) (types.ReconcileReport, error) {
	return r.run(ctx, kind, true)
}

func (r *Reconciler) run(ctx context.Context, kind types.ResourceKind, dryRun bool) (report types.ReconcileReport, err error) {
	report = types.ReconcileReport{Kind: kind, DryRun: dryRun, StartedAt: r.now().UTC()}
	defer func() {
		report.FinishedAt = r.now().UTC()
		if !dryRun {
			metrics.RecordReconcile(string(kind), report.RemovedDBRows, report.RemovedObjects, err)
		}
	}()

	if err := checkKind("reconcile", kind); err != nil {
		return report, err
	}
	log := r.log.With().Str("kind", string(kind)).Bool("dry_run", dryRun).Logger()

	before, err := r.fetch(ctx, kind)
	if err != nil {
		log.Error().Err(err).Msg("reconcile aborted before any deletion")
		return report, &Error{Kind: KindReconciliation, Op: "fetch", Resource: kind, Err: err}
	}

	staleRows := before.missingInStore()
	orphans := before.missingInDB()
	report.DBRows = len(before.rows)
	report.StoreObjects = len(before.keys)
	report.MissingInStore = make([]string, 0, len(staleRows))
	for _, row := range staleRows {
		report.MissingInStore = append(report.MissingInStore, row.StorageKey)
	}
	report.MissingInDB = append([]string{}, orphans...)

	if dryRun {
		report.FinalDBRows = report.DBRows
		report.FinalStoreObjects = report.StoreObjects
		report.RemainingMissingInStore = len(staleRows)
		report.RemainingMissingInDB = len(orphans)
		log.Info().
			Int("missing_in_store", len(staleRows)).
			Int("missing_in_db", len(orphans)).
			Msg("reconcile plan computed")
		return report, nil
	}

	var rowErrs []error
	for _, row := range staleRows {
		removed, err := r.repo.DeleteIfKey(ctx, kind, row.ID, row.StorageKey)
		if err != nil {
			log.Error().Err(err).Int64("id", row.ID).Str("storage_key", row.StorageKey).Msg("delete stale row")
			rowErrs = append(rowErrs, fmt.Errorf("delete row %d: %w", row.ID, err))
			continue
		}
		if removed {
			report.RemovedDBRows++
		}
	}

	for _, key := range orphans {
		if r.compensator.SafeDelete(ctx, kind, key, ReasonOrphan) {
			report.RemovedObjects++
		}
	}

	after, err := r.fetch(ctx, kind)
	if err != nil {
		log.Error().Err(err).Msg("reconcile re-fetch failed")
		return report, &Error{Kind: KindReconciliation, Op: "refetch", Resource: kind, Err: err}
	}
	report.FinalDBRows = len(after.rows)
	report.FinalStoreObjects = len(after.keys)
	report.RemainingMissingInStore = len(after.missingInStore())
	report.RemainingMissingInDB = len(after.missingInDB())

	log.Info().
		Int("removed_db_rows", report.RemovedDBRows).
		Int("removed_objects", report.RemovedObjects).
		Int("remaining_missing_in_store", report.RemainingMissingInStore).
		Int("remaining_missing_in_db", report.RemainingMissingInDB).
		Msg("reconcile finished")

	if len(rowErrs) > 0 {
		return report, &Error{Kind: KindReconciliation, Op: "delete_rows", Resource: kind, Err: errors.Join(rowErrs...)}
	}
	return report, nil
}

// fetch reads both sides concurrently, bounded by the list timeout. The
// folder listing cannot see rows whose key lives elsewhere, so each of those
// is checked on its own.
func (r *Reconciler) fetch(ctx context.Context, kind types.ResourceKind) (snapshot, error) {
	if r.opts.ListTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ListTimeout)
		defer cancel()
	}

	var snap snapshot
	prefix := r.objects.Prefix(kind.Folder())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.repo.ListKeys(gctx, kind)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		snap.rows = rows
		return nil
	})
	g.Go(func() error {
		keys := make(map[string]struct{})
		for key, err := range r.objects.ListKeys(gctx, kind.Folder(), r.opts.PageSize) {
			if err != nil {
				return fmt.Errorf("list objects: %w", err)
			}
			keys[key] = struct{}{}
		}
		snap.keys = keys
		return nil
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}

	for _, row := range snap.rows {
		if row.StorageKey == "" || strings.HasPrefix(row.StorageKey, prefix) {
			continue
		}
		exists, err := r.objects.Exists(ctx, row.StorageKey)
		if err != nil {
			return snapshot{}, fmt.Errorf("check %s: %w", row.StorageKey, err)
		}
		if exists {
			snap.keys[row.StorageKey] = struct{}{}
		}
	}
	return snap, nil
}

// HandleMessage runs a pass for a types.ReconcileRequest received on
// ChannelReconcile. Malformed requests are dropped.
func (r *Reconciler) HandleMessage(ctx context.Context, msg mq.Message) error {
	var req types.ReconcileRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("drop malformed reconcile request")
		return nil
	}
	kind, err := types.ParseResourceKind(string(req.Kind))
	if err != nil {
		r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("drop reconcile request")
		return nil
	}

	run := r.Reconcile
	if req.DryRun {
		run = r.Plan
	}
	_, err = run(ctx, kind)
	return err
}
