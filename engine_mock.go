package tskv

import (
	"context"
	"sync"

	"github.com/tskvdb/tskv/index"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/vnode"
	"github.com/tskvdb/tskv/wal"
)

// MockEngine is an in-memory Engine for tests that exercise an ingest or
// query path against the Engine interface without standing up real vnode
// directories. It records every call it receives rather than performing
// any storage.
type MockEngine struct {
	mu sync.Mutex

	Writes    []MockWrite
	Deletes   []MockDelete
	TagEdits  []MockTagEdit
	Flushed   []uint32
	Compacted []uint32

	// WriteErr, if set, is returned by every call to Write.
	WriteErr error
}

type MockWrite struct {
	Tenant, Database string
	TfID             uint32
	Precision        wal.Precision
	Batch            vnode.WriteBatch
}

type MockDelete struct {
	TfID      uint32
	FieldIDs  []uint64
	TimeRange tsm.TimeRange
	Kind      string // "delete", "drop_column", "drop_table", "drop_database"
}

type MockTagEdit struct {
	TfID          uint32
	NewTags       []index.Tag
	MatchedSeries []uint64
	DryRun        bool
}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (m *MockEngine) Write(tenant, database string, tfID uint32, precision wal.Precision, batch vnode.WriteBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Writes = append(m.Writes, MockWrite{tenant, database, tfID, precision, batch})
	return nil
}

func (m *MockEngine) DeleteFromTable(tfID uint32, fieldIDs []uint64, timeRange tsm.TimeRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, MockDelete{tfID, fieldIDs, timeRange, "delete"})
	return nil
}

func (m *MockEngine) DropTableColumn(tfID uint32, fieldIDs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, MockDelete{tfID, fieldIDs, tsm.TimeRange{}, "drop_column"})
	return nil
}

func (m *MockEngine) DropTable(tfID uint32, fieldIDs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, MockDelete{tfID, fieldIDs, tsm.TimeRange{}, "drop_table"})
	return nil
}

func (m *MockEngine) DropDatabase(tfID uint32, fieldIDs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, MockDelete{tfID, fieldIDs, tsm.TimeRange{}, "drop_database"})
	return nil
}

func (m *MockEngine) UpdateTagsValue(tfID uint32, newTags []index.Tag, matchedSeries []uint64, dryRun bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TagEdits = append(m.TagEdits, MockTagEdit{tfID, newTags, matchedSeries, dryRun})
	return nil
}

func (m *MockEngine) FlushTsFamily(tfID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushed = append(m.Flushed, tfID)
	return nil
}

func (m *MockEngine) Compact(ctx context.Context, tfID uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Compacted = append(m.Compacted, tfID)
	return true, nil
}

func (m *MockEngine) Index(tfID uint32) (*index.Index, error) { return nil, nil }

func (m *MockEngine) Close() error { return nil }

var _ Engine = (*MockEngine)(nil)
