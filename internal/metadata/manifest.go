// Package metadata keeps a local, Iceberg-style record of the snapshot
// objects written to the archive so they can be listed without scanning S3.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ArchivedObject describes one parquet object in the archive.
type ArchivedObject struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	Timestamp   time.Time         `json:"-"`
}

type manifestEntry struct {
	Status int            `json:"status"`
	Object ArchivedObject `json:"data_file"`
}

type snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

type tableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []snapshot `json:"snapshots"`
}

// Manifest appends one manifest file per archived object and rewrites the
// table metadata after each addition. Safe for concurrent use.
type Manifest struct {
	mu        sync.Mutex
	dir       string
	location  string
	tableUUID string
	snapshots []snapshot
	lastID    int64
}

// NewManifest keeps metadata under dir for the table stored at location.
func NewManifest(dir, location string) *Manifest {
	return &Manifest{dir: dir, location: location, tableUUID: uuid.NewString()}
}

func (m *Manifest) Add(obj ArchivedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := obj.Timestamp.UnixNano()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id

	name := fmt.Sprintf("manifest-%d.json", id)
	path := filepath.Join(m.dir, "metadata", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal([]manifestEntry{{Status: 1, Object: obj}})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}

	m.snapshots = append(m.snapshots, snapshot{
		SnapshotID:  id,
		TimestampMs: obj.Timestamp.UnixMilli(),
		Manifest:    name,
	})
	return m.writeTable()
}

// Len is the number of recorded objects.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

func (m *Manifest) writeTable() error {
	tm := tableMetadata{
		FormatVersion:     2,
		TableUUID:         m.tableUUID,
		Location:          m.location,
		CurrentSnapshotID: m.lastID,
		Snapshots:         m.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, "metadata", "metadata.json"), b, 0o644)
}
