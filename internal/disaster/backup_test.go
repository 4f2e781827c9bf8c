package disaster

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailguard/internal/pkg/logger"
)

func quietLogger() *logger.Logger {
	return logger.New(logger.ERROR, io.Discard)
}

// testManager pins the clock and ID suffix so backup IDs are
// deterministic. advance moves the clock between backups.
type testManager struct {
	*Manager
	store *MemoryStorage
	clock time.Time
	seq   int
}

func newTestManager(t *testing.T, enc *Encryptor, retention time.Duration) *testManager {
	t.Helper()
	store := NewMemoryStorage()
	tm := &testManager{
		Manager: NewManager(store, NewStorageCatalog(store), enc, quietLogger(), retention),
		store:   store,
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	tm.Manager.now = func() time.Time { return tm.clock }
	tm.Manager.newID = func() string {
		tm.seq++
		return fmt.Sprintf("%08d", tm.seq)
	}
	store.now = tm.Manager.now
	return tm
}

func (tm *testManager) advance(d time.Duration) { tm.clock = tm.clock.Add(d) }

func dumpBytes(data []byte) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return data, nil }
}

func TestCreateBackupEncryptsAndCompresses(t *testing.T) {
	enc := NewEncryptor("backup-secret")
	tm := newTestManager(t, enc, 0)
	ctx := context.Background()

	payload := []byte(`{"tenants":["acme","globex"],"suppressions":1042}`)
	record, err := tm.CreateBackup(ctx, Options{
		Type:     "postgres",
		Source:   "mailguard-primary",
		Compress: true,
		Metadata: map[string]string{"schema": "v4"},
		Dump:     dumpBytes(payload),
	})
	require.NoError(t, err)

	assert.Equal(t, "backup-20260301-120000-00000001", record.ID)
	assert.True(t, record.Compressed)
	assert.True(t, record.Encrypted)
	assert.Equal(t, "postgres", record.Type)
	assert.Equal(t, "v4", record.Metadata["schema"])

	blob, err := tm.store.Download(ctx, "backups/"+record.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "acme")
	assert.Equal(t, record.Checksum, Checksum(blob))
	assert.Equal(t, record.Size, int64(len(blob)))

	meta := tm.store.Meta("backups/" + record.ID)
	assert.Equal(t, record.Checksum, meta["checksum"])
	assert.Equal(t, "true", meta["encrypted"])
	assert.Equal(t, "true", meta["compressed"])

	// Catalogued under the same ID.
	got, err := tm.catalog.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestCreateBackupRequiresDump(t *testing.T) {
	tm := newTestManager(t, nil, 0)
	_, err := tm.CreateBackup(context.Background(), Options{Type: "postgres"})
	assert.Error(t, err)
}

func TestRestoreRoundTrip(t *testing.T) {
	tm := newTestManager(t, NewEncryptor("backup-secret"), 0)
	ctx := context.Background()

	payload := []byte("queue snapshot payload")
	record, err := tm.CreateBackup(ctx, Options{Type: "queue", Compress: true, Dump: dumpBytes(payload)})
	require.NoError(t, err)

	var restored []byte
	err = tm.Restore(ctx, RestoreOptions{
		BackupID:      record.ID,
		ValidateFirst: true,
		RestoreFn: func(_ context.Context, data []byte) error {
			restored = data
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestRestorePlainBackup(t *testing.T) {
	// No encryption, no compression: the blob is the payload.
	tm := newTestManager(t, nil, 0)
	ctx := context.Background()

	record, err := tm.CreateBackup(ctx, Options{Type: "config", Dump: dumpBytes([]byte("raw"))})
	require.NoError(t, err)
	assert.False(t, record.Encrypted)
	assert.False(t, record.Compressed)

	var restored []byte
	err = tm.Restore(ctx, RestoreOptions{
		BackupID:  record.ID,
		RestoreFn: func(_ context.Context, data []byte) error { restored = data; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), restored)
}

func TestRestoreValidateFirstCatchesCorruption(t *testing.T) {
	tm := newTestManager(t, NewEncryptor("backup-secret"), 0)
	ctx := context.Background()

	record, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("payload"))})
	require.NoError(t, err)

	// Corrupt the stored blob behind the catalog's back.
	require.NoError(t, tm.store.Upload(ctx, "backups/"+record.ID, []byte("corrupted"), nil))

	called := false
	err = tm.Restore(ctx, RestoreOptions{
		BackupID:      record.ID,
		ValidateFirst: true,
		RestoreFn:     func(context.Context, []byte) error { called = true; return nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.False(t, called)
}

func TestRestoreUnknownBackup(t *testing.T) {
	tm := newTestManager(t, nil, 0)
	err := tm.Restore(context.Background(), RestoreOptions{
		BackupID:  "backup-nope",
		RestoreFn: func(context.Context, []byte) error { return nil },
	})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestVerifyBackup(t *testing.T) {
	tm := newTestManager(t, NewEncryptor("backup-secret"), 0)
	ctx := context.Background()

	payload := []byte("verify me")
	record, err := tm.CreateBackup(ctx, Options{Type: "postgres", Compress: true, Dump: dumpBytes(payload)})
	require.NoError(t, err)

	require.NoError(t, tm.VerifyBackup(ctx, record.ID, VerifyOptions{}))

	err = tm.VerifyBackup(ctx, record.ID, VerifyOptions{ExpectedChecksum: "0000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	var restored []byte
	err = tm.VerifyBackup(ctx, record.ID, VerifyOptions{
		TestRestore: true,
		RestoreFn:   func(_ context.Context, data []byte) error { restored = data; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestRestoreToPointInTime(t *testing.T) {
	tm := newTestManager(t, NewEncryptor("backup-secret"), 0)
	ctx := context.Background()

	mk := func(payload string) *BackupRecord {
		record, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte(payload))})
		require.NoError(t, err)
		return record
	}

	mk("state at noon")
	tm.advance(time.Hour)
	want := mk("state at one")
	tm.advance(time.Hour)
	mk("state at two")

	// Target 13:30 lands on the 13:00 backup, not the newer one.
	target := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)
	var restored []byte
	record, err := tm.RestoreToPointInTime(ctx, target, "postgres",
		func(_ context.Context, data []byte) error { restored = data; return nil })
	require.NoError(t, err)
	assert.Equal(t, want.ID, record.ID)
	assert.Equal(t, []byte("state at one"), restored)
}

func TestRestoreToPointInTimeFiltersType(t *testing.T) {
	tm := newTestManager(t, nil, 0)
	ctx := context.Background()

	_, err := tm.CreateBackup(ctx, Options{Type: "queue", Dump: dumpBytes([]byte("queue state"))})
	require.NoError(t, err)
	tm.advance(time.Minute)
	pg, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("pg state"))})
	require.NoError(t, err)
	tm.advance(time.Minute)

	record, err := tm.RestoreToPointInTime(ctx, tm.clock, "postgres",
		func(context.Context, []byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, pg.ID, record.ID)
}

func TestRestoreToPointInTimeNothingOldEnough(t *testing.T) {
	tm := newTestManager(t, nil, 0)
	ctx := context.Background()

	_, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("x"))})
	require.NoError(t, err)

	_, err = tm.RestoreToPointInTime(ctx, tm.clock.Add(-time.Hour), "postgres",
		func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestCleanupOldBackups(t *testing.T) {
	tm := newTestManager(t, nil, 24*time.Hour)
	ctx := context.Background()

	old1, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("a"))})
	require.NoError(t, err)
	tm.advance(time.Hour)
	old2, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("b"))})
	require.NoError(t, err)
	tm.advance(47 * time.Hour)
	fresh, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("c"))})
	require.NoError(t, err)

	removed, err := tm.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := tm.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fresh.ID, records[0].ID)

	_, err = tm.store.Download(ctx, "backups/"+old1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tm.store.Download(ctx, "backups/"+old2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupDisabledWithoutRetention(t *testing.T) {
	tm := newTestManager(t, nil, 0)
	ctx := context.Background()

	_, err := tm.CreateBackup(ctx, Options{Type: "postgres", Dump: dumpBytes([]byte("a"))})
	require.NoError(t, err)
	tm.advance(1000 * time.Hour)

	removed, err := tm.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestParseBackupTime(t *testing.T) {
	ts, ok := ParseBackupTime("backup-20260301-120000-00000001")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ts)

	_, ok = ParseBackupTime("snapshot-20260301")
	assert.False(t, ok)
	_, ok = ParseBackupTime("backup-garbage-id")
	assert.False(t, ok)
}
