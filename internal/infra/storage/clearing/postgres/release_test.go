package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/infra/storage"
)

func setupReleaseTest(t *testing.T) (context.Context, *releaseStore, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	db, cleanup := storage.SetupTestContainer(t)
	store := NewReleaseStore(db, storage.NoOpTracer())
	return context.Background(), store, cleanup
}

var testActor = clearing.Actor{Email: "alice@example.com", Group: "DEPARTMENT"}

func createTestRelease(t *testing.T, ctx context.Context, store *releaseStore, id string) *clearing.Release {
	t.Helper()

	r := &clearing.Release{
		ID:      id,
		Name:    "libfoo",
		Version: "1.0.0",
		Attachments: []clearing.Attachment{{
			ContentID: "content-" + id,
			Filename:  "libfoo-1.0.0.zip",
			Type:      clearing.AttachmentTypeSource,
			SHA1:      "abc",
			CreatedBy: testActor.Email,
			CreatedOn: time.Now().UTC().Truncate(time.Microsecond),
		}},
	}
	require.NoError(t, store.CreateRelease(ctx, r))
	return r
}

func TestReleaseStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	r := createTestRelease(t, ctx, store, "r1")

	loaded, err := store.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Revision)
	assert.Equal(t, clearing.ClearingStateNew, loaded.ClearingState)
	require.Len(t, loaded.Attachments, 1)
	assert.Equal(t, r.Attachments[0].Fingerprint(), loaded.Attachments[0].Fingerprint())
	assert.Empty(t, loaded.Processes)
}

func TestReleaseStore_GetMissing(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	_, err := store.GetRelease(ctx, "missing")
	assert.ErrorIs(t, err, clearing.ErrReleaseNotFound)
}

func TestReleaseStore_UpdateRoundTripsProcess(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	r := createTestRelease(t, ctx, store, "r1")
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := clearing.NewProcess(clearing.ToolFossology, r.Attachments[0].Fingerprint(), true, testActor, now)
	require.NoError(t, p.FurthestStep().Complete("42", "42", now))
	scan, err := p.AppendStep(clearing.StepScan, testActor, now)
	require.NoError(t, err)
	require.NoError(t, scan.Start("7"))

	r.Processes = append(r.Processes, p)
	r.ClearingState = clearing.ClearingStateSentToClearingTool
	require.NoError(t, store.UpdateRelease(ctx, r))
	assert.Equal(t, int64(2), r.Revision)

	loaded, err := store.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Revision)
	assert.Equal(t, clearing.ClearingStateSentToClearingTool, loaded.ClearingState)
	require.Len(t, loaded.Processes, 1)

	got := loaded.Processes[0]
	assert.Equal(t, p.ID(), got.ID())
	assert.True(t, p.SameState(got))
	assert.Equal(t, now, got.Steps()[0].FinishedOn().UTC())
	assert.True(t, got.FurthestStep().FinishedOn().IsZero())
}

func TestReleaseStore_UpdateStaleRevision(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	r := createTestRelease(t, ctx, store, "r1")

	first, err := store.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	second, err := store.GetRelease(ctx, r.ID)
	require.NoError(t, err)

	first.ClearingState = clearing.ClearingStateApproved
	require.NoError(t, store.UpdateRelease(ctx, first))

	second.ClearingState = clearing.ClearingStateSentToClearingTool
	assert.ErrorIs(t, store.UpdateRelease(ctx, second), clearing.ErrConcurrentModification)

	second.ID = "missing"
	assert.ErrorIs(t, store.UpdateRelease(ctx, second), clearing.ErrReleaseNotFound)
}

func TestReleaseStore_OutdateAndReplaceProcess(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	r := createTestRelease(t, ctx, store, "r1")
	now := time.Now().UTC()

	old := clearing.NewProcess(clearing.ToolFossology, r.Attachments[0].Fingerprint(), true, testActor, now)
	r.Processes = []*clearing.Process{old}
	require.NoError(t, store.UpdateRelease(ctx, r))

	old.MarkOutdated(now)
	fresh := clearing.NewProcess(clearing.ToolFossology, r.Attachments[0].Fingerprint(), true, testActor, now)
	// The live process comes first to exercise write ordering.
	r.Processes = []*clearing.Process{fresh, old}
	require.NoError(t, store.UpdateRelease(ctx, r))

	loaded, err := store.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Processes, 2)
	active, err := loaded.ActiveProcess(clearing.ToolFossology)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID(), active.ID())
}

func TestReleaseStore_AttachmentsAreAppendOnly(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	r := createTestRelease(t, ctx, store, "r1")
	r.Attachments[0].Filename = "renamed.zip"
	r.AddAttachment(clearing.Attachment{
		ContentID: "report-1",
		Filename:  "report.rdf",
		Type:      clearing.AttachmentTypeClearingReport,
	})
	require.NoError(t, store.UpdateRelease(ctx, r))

	loaded, err := store.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Attachments, 2)
	assert.Equal(t, "libfoo-1.0.0.zip", loaded.Attachments[0].Filename)
}

func TestReleaseStore_ListByClearingState(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	for _, id := range []string{"r1", "r2", "r3"} {
		createTestRelease(t, ctx, store, id)
	}
	r2, err := store.GetRelease(ctx, "r2")
	require.NoError(t, err)
	r2.ClearingState = clearing.ClearingStateUnderClearing
	require.NoError(t, store.UpdateRelease(ctx, r2))

	ids, err := store.ListReleaseIDsByClearingState(ctx,
		[]clearing.ClearingState{clearing.ClearingStateSentToClearingTool, clearing.ClearingStateUnderClearing}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids)

	ids, err = store.ListReleaseIDsByClearingState(ctx, []clearing.ClearingState{clearing.ClearingStateNew}, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = store.ListReleaseIDsByClearingState(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReleaseStore_ListByProcessStatus(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupReleaseTest(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Microsecond)
	pending := createTestRelease(t, ctx, store, "r1")
	pending.Processes = append(pending.Processes,
		clearing.NewProcess(clearing.ToolFossology, pending.Attachments[0].Fingerprint(), true, testActor, now))
	require.NoError(t, store.UpdateRelease(ctx, pending))

	started := createTestRelease(t, ctx, store, "r2")
	p := clearing.NewProcess(clearing.ToolFossology, started.Attachments[0].Fingerprint(), true, testActor, now)
	require.NoError(t, p.FurthestStep().Start("42"))
	p.Sync(now)
	started.Processes = append(started.Processes, p)
	require.NoError(t, store.UpdateRelease(ctx, started))

	createTestRelease(t, ctx, store, "r3")

	ids, err := store.ListReleaseIDsByProcessStatus(ctx, clearing.ToolFossology,
		[]clearing.ProcessStatus{clearing.ProcessStatusNew}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	ids, err = store.ListReleaseIDsByProcessStatus(ctx, clearing.ToolFossology, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
