package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/inkwell-cms/apiserver/internal/mq"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newReconciler(repo *fakeRepo, objects *fakeObjects) *Reconciler {
	compensator := NewCompensator(objects, nil, zerolog.Nop(), time.Second)
	return NewReconciler(repo, objects, compensator, ReconcileOptions{PageSize: 2}, zerolog.Nop())
}

func TestReconcileRemovesBothSides(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{ID: 1, Kind: types.KindPhoto, StorageKey: "photos/k1"})
	repo.seed(types.MediaRecord{ID: 2, Kind: types.KindPhoto, StorageKey: "photos/k2"})
	objects := newFakeObjects("photos/k1", "photos/k3")
	r := newReconciler(repo, objects)

	report, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.NoError(t, err)

	require.Equal(t, []string{"photos/k2"}, report.MissingInStore)
	require.Equal(t, []string{"photos/k3"}, report.MissingInDB)
	require.Equal(t, 1, report.RemovedDBRows)
	require.Equal(t, 1, report.RemovedObjects)
	require.Equal(t, 1, report.FinalDBRows)
	require.Equal(t, 1, report.FinalStoreObjects)
	require.Zero(t, report.RemainingMissingInStore)
	require.Zero(t, report.RemainingMissingInDB)

	_, err = repo.Get(context.Background(), types.KindPhoto, 1)
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), types.KindPhoto, 2)
	require.Error(t, err)
	require.Equal(t, []string{"photos/k1"}, objects.keys())
	require.Equal(t, []string{"photos/k3"}, objects.deleted())
}

func TestReconcileIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindVideo, StorageKey: "videos/gone"})
	repo.seed(types.MediaRecord{Kind: types.KindVideo, StorageKey: "videos/kept"})
	objects := newFakeObjects("videos/kept", "videos/stray-1", "videos/stray-2", "videos/stray-3")
	r := newReconciler(repo, objects)

	_, err := r.Reconcile(context.Background(), types.KindVideo)
	require.NoError(t, err)

	writes := repo.writes
	second, err := r.Reconcile(context.Background(), types.KindVideo)
	require.NoError(t, err)
	require.Empty(t, second.MissingInStore)
	require.Empty(t, second.MissingInDB)
	require.Zero(t, second.RemovedDBRows)
	require.Zero(t, second.RemovedObjects)
	require.Equal(t, writes, repo.writes)
}

func TestReconcileFetchFailureDeletesNothing(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "photos/k2"})
	objects := newFakeObjects("photos/k3")
	objects.listErr = errors.New("list timed out")
	r := newReconciler(repo, objects)

	_, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.True(t, IsKind(err, KindReconciliation), err)
	require.Equal(t, 1, repo.count(types.KindPhoto))
	require.Empty(t, objects.deleted())

	objects.listErr = nil
	repo.listErr = errors.New("db down")
	_, err = r.Reconcile(context.Background(), types.KindPhoto)
	require.True(t, IsKind(err, KindReconciliation), err)
	require.Equal(t, 1, repo.count(types.KindPhoto))
	require.Empty(t, objects.deleted())
}

func TestReconcilePlanChangesNothing(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindArticle, StorageKey: "articles/cover_a"})
	objects := newFakeObjects("articles/cover_b")
	r := newReconciler(repo, objects)

	report, err := r.Plan(context.Background(), types.KindArticle)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, []string{"articles/cover_a"}, report.MissingInStore)
	require.Equal(t, []string{"articles/cover_b"}, report.MissingInDB)
	require.Equal(t, 1, report.RemainingMissingInStore)
	require.Equal(t, 1, report.RemainingMissingInDB)
	require.Zero(t, report.RemovedDBRows+report.RemovedObjects)
	require.Equal(t, 1, repo.count(types.KindArticle))
	require.Empty(t, objects.deleted())
}

func TestReconcileCountsFailedObjectDeletes(t *testing.T) {
	repo := newFakeRepo()
	objects := newFakeObjects("photos/orphan")
	objects.deleteErr = errors.New("storage unavailable")
	r := newReconciler(repo, objects)

	report, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.NoError(t, err)
	require.Zero(t, report.RemovedObjects)
	require.Equal(t, 1, report.RemainingMissingInDB)
}

func TestReconcileKeepsLiveRowsOutsideFolder(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "imports/legacy.jpg"})
	objects := newFakeObjects("imports/legacy.jpg", "videos/v1")
	r := newReconciler(repo, objects)

	report, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.NoError(t, err)
	require.Equal(t, 1, report.DBRows)
	require.Equal(t, 1, report.StoreObjects)
	require.Empty(t, report.MissingInStore)
	require.Empty(t, report.MissingInDB)
	require.Equal(t, 1, repo.count(types.KindPhoto))
	require.Equal(t, []string{"imports/legacy.jpg", "videos/v1"}, objects.keys())
	require.Empty(t, objects.deleted())
}

func TestReconcileRemovesStaleRowsOutsideFolder(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "imports/gone.jpg"})
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "photos/kept"})
	objects := newFakeObjects("photos/kept", "videos/v1")
	r := newReconciler(repo, objects)

	plan, err := r.Plan(context.Background(), types.KindPhoto)
	require.NoError(t, err)
	require.Equal(t, []string{"imports/gone.jpg"}, plan.MissingInStore)
	require.Equal(t, 2, repo.count(types.KindPhoto))

	report, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.NoError(t, err)
	require.Equal(t, 1, report.RemovedDBRows)
	require.Zero(t, report.RemainingMissingInStore)
	require.Equal(t, 1, repo.count(types.KindPhoto))
	require.Equal(t, []string{"photos/kept", "videos/v1"}, objects.keys())
}

func TestReconcileOutsideFolderLookupFailureDeletesNothing(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "imports/legacy.jpg"})
	objects := newFakeObjects("photos/orphan")
	objects.existsErr = errors.New("head timed out")
	r := newReconciler(repo, objects)

	_, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.True(t, IsKind(err, KindReconciliation), err)
	require.Equal(t, 1, repo.count(types.KindPhoto))
	require.Empty(t, objects.deleted())
}

func TestReconcileListTimeoutDeletesNothing(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "photos/k2"})
	objects := newFakeObjects("photos/k3")
	objects.listStalls = true
	compensator := NewCompensator(objects, nil, zerolog.Nop(), time.Second)
	r := NewReconciler(repo, objects, compensator, ReconcileOptions{PageSize: 2, ListTimeout: 20 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	_, err := r.Reconcile(context.Background(), types.KindPhoto)
	require.True(t, IsKind(err, KindReconciliation), err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 1, repo.count(types.KindPhoto))
	require.Equal(t, []string{"photos/k3"}, objects.keys())
	require.Empty(t, objects.deleted())
}

func TestHandleMessage(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(types.MediaRecord{Kind: types.KindPhoto, StorageKey: "photos/dead"})
	objects := newFakeObjects()
	r := newReconciler(repo, objects)

	data, err := json.Marshal(types.ReconcileRequest{Kind: "photos", DryRun: true})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(context.Background(), mq.Message{ID: "1", Data: data}))
	require.Equal(t, 1, repo.count(types.KindPhoto))

	data, err = json.Marshal(types.ReconcileRequest{Kind: types.KindPhoto})
	require.NoError(t, err)
	require.NoError(t, r.HandleMessage(context.Background(), mq.Message{ID: "2", Data: data}))
	require.Zero(t, repo.count(types.KindPhoto))

	require.NoError(t, r.HandleMessage(context.Background(), mq.Message{ID: "3", Data: []byte("{")}))
	require.NoError(t, r.HandleMessage(context.Background(), mq.Message{ID: "4", Data: []byte(`{"kind":"podcast"}`)}))

	objects.listErr = errors.New("list timed out")
	data, err = json.Marshal(types.ReconcileRequest{Kind: types.KindPhoto})
	require.NoError(t, err)
	require.Error(t, r.HandleMessage(context.Background(), mq.Message{ID: "5", Data: data}))
}
