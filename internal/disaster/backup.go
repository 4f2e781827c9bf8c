package disaster

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailguard/internal/pkg/logger"
)

const backupPrefix = "backups/"

// Options describes one backup run. Dump produces the payload; the
// manager owns compression, encryption and placement.
type Options struct {
	Type     string
	Source   string
	Compress bool
	Metadata map[string]string
	Dump     func(ctx context.Context) ([]byte, error)
}

// VerifyOptions controls VerifyBackup. TestRestore additionally
// decrypts and decompresses the blob and hands it to RestoreFn, which
// should load it into a scratch target.
type VerifyOptions struct {
	ExpectedChecksum string
	TestRestore      bool
	RestoreFn        func(ctx context.Context, data []byte) error
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	BackupID      string
	ValidateFirst bool
	RestoreFn     func(ctx context.Context, data []byte) error
}

// Manager runs the backup lifecycle: create, verify, restore, expire.
type Manager struct {
	storage   Storage
	catalog   Catalog
	enc       *Encryptor
	log       *logger.Logger
	retention time.Duration

	now   func() time.Time
	newID func() string
}

// NewManager builds a backup manager. enc nil stores blobs unencrypted;
// retention <= 0 disables expiry.
func NewManager(storage Storage, catalog Catalog, enc *Encryptor, log *logger.Logger, retention time.Duration) *Manager {
	return &Manager{
		storage:   storage,
		catalog:   catalog,
		enc:       enc,
		log:       log,
		retention: retention,
		now:       time.Now,
		newID:     func() string { return uuid.NewString()[:8] },
	}
}

func blobKey(id string) string { return backupPrefix + id }

// CreateBackup dumps, compresses, encrypts, checksums and uploads one
// backup, then catalogs it. The checksum covers the stored blob.
func (m *Manager) CreateBackup(ctx context.Context, opts Options) (*BackupRecord, error) {
	if opts.Dump == nil {
		return nil, errors.New("disaster: backup options need a Dump func")
	}

	data, err := opts.Dump(ctx)
	if err != nil {
		backupsTotal.WithLabelValues(opts.Type, "failed").Inc()
		return nil, fmt.Errorf("disaster: dump %s: %w", opts.Type, err)
	}

	if opts.Compress {
		if data, err = gzipCompress(data); err != nil {
			backupsTotal.WithLabelValues(opts.Type, "failed").Inc()
			return nil, fmt.Errorf("disaster: compress: %w", err)
		}
	}
	if m.enc != nil {
		if data, err = m.enc.Encrypt(data); err != nil {
			backupsTotal.WithLabelValues(opts.Type, "failed").Inc()
			return nil, fmt.Errorf("disaster: encrypt: %w", err)
		}
	}

	createdAt := m.now().UTC()
	id := fmt.Sprintf("backup-%s-%s", createdAt.Format("20060102-150405"), m.newID())
	record := &BackupRecord{
		ID:         id,
		Type:       opts.Type,
		Source:     opts.Source,
		Size:       int64(len(data)),
		Checksum:   Checksum(data),
		Compressed: opts.Compress,
		Encrypted:  m.enc != nil,
		Metadata:   opts.Metadata,
		CreatedAt:  createdAt,
	}

	meta := map[string]string{
		"backup-id":  id,
		"type":       opts.Type,
		"compressed": fmt.Sprintf("%v", record.Compressed),
		"encrypted":  fmt.Sprintf("%v", record.Encrypted),
		"checksum":   record.Checksum,
	}
	if err := m.storage.Upload(ctx, blobKey(id), data, meta); err != nil {
		backupsTotal.WithLabelValues(opts.Type, "failed").Inc()
		return nil, err
	}
	if err := m.catalog.Put(ctx, record); err != nil {
		backupsTotal.WithLabelValues(opts.Type, "failed").Inc()
		return nil, err
	}

	backupsTotal.WithLabelValues(opts.Type, "ok").Inc()
	backupBytes.Observe(float64(record.Size))
	m.log.Info("backup created",
		"backup_id", id,
		"type", opts.Type,
		"source", opts.Source,
		"size", record.Size,
		"compressed", record.Compressed,
		"encrypted", record.Encrypted)
	return record, nil
}

// VerifyBackup recomputes the blob checksum against the catalog (or an
// explicit expectation) and optionally runs a test restore.
func (m *Manager) VerifyBackup(ctx context.Context, id string, opts VerifyOptions) error {
	record, err := m.catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	data, err := m.storage.Download(ctx, blobKey(id))
	if err != nil {
		return err
	}

	want := record.Checksum
	if opts.ExpectedChecksum != "" {
		want = opts.ExpectedChecksum
	}
	if got := Checksum(data); got != want {
		return fmt.Errorf("disaster: backup %s checksum mismatch: have %s, want %s", id, got, want)
	}

	if !opts.TestRestore {
		return nil
	}
	if opts.RestoreFn == nil {
		return errors.New("disaster: test restore needs a RestoreFn")
	}
	payload, err := m.unwrap(record, data)
	if err != nil {
		return err
	}
	if err := opts.RestoreFn(ctx, payload); err != nil {
		return fmt.Errorf("disaster: test restore %s: %w", id, err)
	}
	return nil
}

// Restore downloads, optionally validates, unwraps and hands the
// payload to RestoreFn.
func (m *Manager) Restore(ctx context.Context, opts RestoreOptions) error {
	if opts.RestoreFn == nil {
		return errors.New("disaster: restore options need a RestoreFn")
	}
	record, err := m.catalog.Get(ctx, opts.BackupID)
	if err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		return err
	}
	data, err := m.storage.Download(ctx, blobKey(opts.BackupID))
	if err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		return err
	}
	if opts.ValidateFirst {
		if got := Checksum(data); got != record.Checksum {
			restoresTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("disaster: backup %s checksum mismatch: have %s, want %s", record.ID, got, record.Checksum)
		}
	}

	payload, err := m.unwrap(record, data)
	if err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		return err
	}
	if err := opts.RestoreFn(ctx, payload); err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("disaster: restore %s: %w", record.ID, err)
	}

	restoresTotal.WithLabelValues("ok").Inc()
	m.log.Info("backup restored", "backup_id", record.ID, "type", record.Type)
	return nil
}

// RestoreToPointInTime restores the newest backup of backupType taken
// at or before target. Empty backupType matches any type.
func (m *Manager) RestoreToPointInTime(ctx context.Context, target time.Time, backupType string, restoreFn func(ctx context.Context, data []byte) error) (*BackupRecord, error) {
	records, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		record := &records[i]
		if backupType != "" && record.Type != backupType {
			continue
		}
		if record.CreatedAt.After(target) {
			continue
		}
		// List is newest-first; the first qualifying record wins.
		if err := m.Restore(ctx, RestoreOptions{
			BackupID:      record.ID,
			ValidateFirst: true,
			RestoreFn:     restoreFn,
		}); err != nil {
			return nil, err
		}
		return record, nil
	}
	return nil, fmt.Errorf("%w: no backup at or before %s", ErrRecordNotFound, target.UTC().Format(time.RFC3339))
}

// CleanupOldBackups deletes blobs and records older than the retention
// window and reports how many went.
func (m *Manager) CleanupOldBackups(ctx context.Context) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	records, err := m.catalog.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.retention)
	removed := 0
	for i := range records {
		record := &records[i]
		if !record.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.storage.Delete(ctx, blobKey(record.ID)); err != nil {
			return removed, err
		}
		if err := m.catalog.Delete(ctx, record.ID); err != nil {
			return removed, err
		}
		removed++
		m.log.Info("backup expired", "backup_id", record.ID, "created_at", record.CreatedAt.Format(time.RFC3339))
	}
	return removed, nil
}

// ListBackups returns the catalog, newest first.
func (m *Manager) ListBackups(ctx context.Context) ([]BackupRecord, error) {
	return m.catalog.List(ctx)
}

// unwrap decrypts and decompresses a stored blob per its record.
func (m *Manager) unwrap(record *BackupRecord, data []byte) ([]byte, error) {
	var err error
	if record.Encrypted {
		if m.enc == nil {
			return nil, fmt.Errorf("disaster: backup %s is encrypted and no key is configured", record.ID)
		}
		if data, err = m.enc.Decrypt(data); err != nil {
			return nil, fmt.Errorf("disaster: decrypt %s: %w", record.ID, err)
		}
	}
	if record.Compressed {
		if data, err = gzipDecompress(data); err != nil {
			return nil, fmt.Errorf("disaster: decompress %s: %w", record.ID, err)
		}
	}
	return data, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// ParseBackupTime extracts the timestamp embedded in a backup ID, used
// by operators to eyeball a catalog listing.
func ParseBackupTime(id string) (time.Time, bool) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 || parts[0] != "backup" {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102-150405", parts[1]+"-"+parts[2])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
