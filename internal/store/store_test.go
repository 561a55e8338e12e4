package store_test

import (
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/db"
	"github.com/rudransh-shrivastava/peer-talk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *store.TransferStore {
	t.Helper()
	gormDB, err := db.Open(":memory:", &store.TransferRecord{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewTransferStore(gormDB)
}

func begin(t *testing.T, ts *store.TransferStore, peer string, dir store.Direction, fileID string) *store.TransferRecord {
	t.Helper()
	rec, err := ts.Begin(&store.TransferRecord{
		Peer:          peer,
		Direction:     dir,
		FileID:        fileID,
		FileName:      "cat.png",
		ContentType:   "image/png",
		Size:          42000,
		FragmentCount: 8,
		IsFragmented:  true,
		StartedAt:     time.Now(),
	})
	require.NoError(t, err)
	return rec
}

func TestTransferStore_Begin(t *testing.T) {
	ts := setupTestDB(t)

	rec := begin(t, ts, "bob", store.Sent, "f-1")

	assert.NotZero(t, rec.ID)
	assert.Equal(t, "cat.png", rec.FileName)
	assert.False(t, rec.IsComplete)
	assert.Nil(t, rec.CompletedAt)
}

func TestTransferStore_BeginResetsExisting(t *testing.T) {
	ts := setupTestDB(t)

	first := begin(t, ts, "bob", store.Sent, "f-1")
	require.NoError(t, ts.Progress("bob", store.Sent, "f-1", 4, time.Now()))
	require.NoError(t, ts.Fail("bob", store.Sent, "f-1", true))

	second := begin(t, ts, "bob", store.Sent, "f-1")

	assert.Equal(t, first.ID, second.ID)
	assert.Zero(t, second.FragmentOffset)
	assert.False(t, second.Error)
	assert.False(t, second.IsResendEnable)
}

func TestTransferStore_DirectionsAreDistinct(t *testing.T) {
	ts := setupTestDB(t)

	begin(t, ts, "bob", store.Sent, "f-1")
	begin(t, ts, "bob", store.Received, "f-1")

	records, err := ts.List("bob")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestTransferStore_ProgressAndComplete(t *testing.T) {
	ts := setupTestDB(t)
	begin(t, ts, "bob", store.Received, "f-1")

	at := time.Now()
	require.NoError(t, ts.Progress("bob", store.Received, "f-1", 3, at))
	require.NoError(t, ts.Complete("bob", store.Received, "f-1", at))

	rec, err := ts.Get("bob", store.Received, "f-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.FragmentOffset)
	assert.True(t, rec.IsComplete)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.LastPartReceivedAt)
}

func TestTransferStore_Fail(t *testing.T) {
	ts := setupTestDB(t)
	begin(t, ts, "bob", store.Sent, "f-1")

	require.NoError(t, ts.Fail("bob", store.Sent, "f-1", true))

	rec, err := ts.Get("bob", store.Sent, "f-1")
	require.NoError(t, err)
	assert.True(t, rec.Error)
	assert.True(t, rec.IsResendEnable)
	assert.False(t, rec.IsComplete)
}

func TestTransferStore_Missing(t *testing.T) {
	ts := setupTestDB(t)

	_, err := ts.Get("bob", store.Sent, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, ts.Progress("bob", store.Sent, "nope", 1, time.Now()), store.ErrNotFound)
	assert.ErrorIs(t, ts.Delete("bob", store.Sent, "nope"), store.ErrNotFound)
}

func TestTransferStore_Delete(t *testing.T) {
	ts := setupTestDB(t)
	begin(t, ts, "bob", store.Sent, "f-1")
	begin(t, ts, "alice", store.Sent, "f-2")

	require.NoError(t, ts.Delete("bob", store.Sent, "f-1"))

	records, err := ts.List("bob")
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = ts.List("alice")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
