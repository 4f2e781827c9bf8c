package disaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrRecordNotFound means the catalog has no record with that ID.
var ErrRecordNotFound = errors.New("disaster: backup record not found")

// BackupRecord is the catalog entry for one backup.
type BackupRecord struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Size       int64             `json:"size"`
	Checksum   string            `json:"checksum"`
	Compressed bool              `json:"compressed"`
	Encrypted  bool              `json:"encrypted"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Catalog indexes backup records. List returns newest first.
type Catalog interface {
	Put(ctx context.Context, record *BackupRecord) error
	Get(ctx context.Context, id string) (*BackupRecord, error)
	List(ctx context.Context) ([]BackupRecord, error)
	Delete(ctx context.Context, id string) error
}

const catalogPrefix = "catalog/"

// StorageCatalog keeps records as <id>.meta JSON objects next to the
// backups, so the catalog survives exactly as long as the blobs do.
type StorageCatalog struct {
	store Storage
}

func NewStorageCatalog(store Storage) *StorageCatalog {
	return &StorageCatalog{store: store}
}

func metaKey(id string) string { return catalogPrefix + id + ".meta" }

func (c *StorageCatalog) Put(ctx context.Context, record *BackupRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("disaster: encode record %s: %w", record.ID, err)
	}
	return c.store.Upload(ctx, metaKey(record.ID), data, nil)
}

func (c *StorageCatalog) Get(ctx context.Context, id string) (*BackupRecord, error) {
	data, err := c.store.Download(ctx, metaKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var record BackupRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("disaster: decode record %s: %w", id, err)
	}
	return &record, nil
}

func (c *StorageCatalog) List(ctx context.Context) ([]BackupRecord, error) {
	infos, err := c.store.List(ctx, catalogPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]BackupRecord, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".meta") {
			continue
		}
		data, err := c.store.Download(ctx, info.Key)
		if err != nil {
			continue
		}
		var record BackupRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (c *StorageCatalog) Delete(ctx context.Context, id string) error {
	return c.store.Delete(ctx, metaKey(id))
}
