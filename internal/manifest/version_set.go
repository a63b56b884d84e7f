package manifest

import (
	"sync"

	"github.com/tskvdb/tskv/internal/bloom"
)

// Database owns every TsFamily (vnode shard) belonging to one
// tenant/database pair, mirroring original_source/tskv/src/version_set.rs's
// Database/VersionSet split.
type Database struct {
	Tenant   string
	Name     string
	Schema   interface{} // opaque pass-through; schema validation lives in the metadata service, out of scope

	mu          sync.RWMutex
	tsfamilies  map[uint32]*TsFamily
}

func owner(tenant, name string) string { return tenant + "/" + name }

// NewDatabase creates an empty Database.
func NewDatabase(tenant, name string, schema interface{}) *Database {
	return &Database{Tenant: tenant, Name: name, Schema: schema, tsfamilies: make(map[uint32]*TsFamily)}
}

// OpenTsFamily registers an already-constructed TsFamily (e.g. one recovered
// from the summary on vnode open) under its id.
func (d *Database) OpenTsFamily(tf *TsFamily) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tsfamilies[tf.ID] = tf
}

// GetTsFamily returns the TsFamily for tfID, or nil.
func (d *Database) GetTsFamily(tfID uint32) *TsFamily {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tsfamilies[tfID]
}

// TsFamilies returns every TsFamily owned by d.
func (d *Database) TsFamilies() map[uint32]*TsFamily {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint32]*TsFamily, len(d.tsfamilies))
	for k, v := range d.tsfamilies {
		out[k] = v
	}
	return out
}

// RemoveTsFamily drops tfID from d, used by remove_tsfamily.
func (d *Database) RemoveTsFamily(tfID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tsfamilies, tfID)
}

// TsfNum returns the number of TsFamilies owned by d.
func (d *Database) TsfNum() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tsfamilies)
}

// VersionSet owns every Database in this process, keyed by
// "<tenant>/<database>": VersionSet owns db_name -> Database, each Database
// owns tf_id -> TsFamily.
type VersionSet struct {
	mu  sync.RWMutex
	dbs map[string]*Database
}

// NewVersionSet returns an empty VersionSet.
func NewVersionSet() *VersionSet {
	return &VersionSet{dbs: make(map[string]*Database)}
}

// CreateDB registers a new Database, or returns the existing one if it was
// already present (idempotent, matching the source's entry-or-insert).
func (vs *VersionSet) CreateDB(tenant, name string, schema interface{}) *Database {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	key := owner(tenant, name)
	if db, ok := vs.dbs[key]; ok {
		return db
	}
	db := NewDatabase(tenant, name, schema)
	vs.dbs[key] = db
	return db
}

// DeleteDB removes and returns the Database for (tenant, name), if present.
func (vs *VersionSet) DeleteDB(tenant, name string) *Database {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	key := owner(tenant, name)
	db := vs.dbs[key]
	delete(vs.dbs, key)
	return db
}

// DBExists reports whether (tenant, name) has been created.
func (vs *VersionSet) DBExists(tenant, name string) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, ok := vs.dbs[owner(tenant, name)]
	return ok
}

// GetDBSchema returns the opaque schema object passed to CreateDB, if any.
func (vs *VersionSet) GetDBSchema(tenant, name string) (interface{}, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	db, ok := vs.dbs[owner(tenant, name)]
	if !ok {
		return nil, false
	}
	return db.Schema, true
}

// GetAllDB returns every Database currently registered.
func (vs *VersionSet) GetAllDB() map[string]*Database {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make(map[string]*Database, len(vs.dbs))
	for k, v := range vs.dbs {
		out[k] = v
	}
	return out
}

// GetDB returns the Database for (tenant, name), if any.
func (vs *VersionSet) GetDB(tenant, name string) (*Database, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	db, ok := vs.dbs[owner(tenant, name)]
	return db, ok
}

// GetTsFamilyByTfID scans every Database for a TsFamily with the given id.
// Mirrors the source's "FIXME: add tsf_id -> db HashTable" comment: a
// process with many databases would want a direct index, but the linear
// scan is what the original ships.
func (vs *VersionSet) GetTsFamilyByTfID(tfID uint32) *TsFamily {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	for _, db := range vs.dbs {
		if tf := db.GetTsFamily(tfID); tf != nil {
			return tf
		}
	}
	return nil
}

// Snapshot returns the VersionEdits and per-file bloom filters describing
// the live state of every TsFamily in every Database, for replication
// snapshots (install_snapshot) and for fsck.
func (vs *VersionSet) Snapshot() ([]VersionEdit, map[ColumnFileID]*bloom.Filter) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var edits []VersionEdit
	filters := make(map[ColumnFileID]*bloom.Filter)
	for _, db := range vs.dbs {
		for _, tf := range db.TsFamilies() {
			v := tf.Current()
			edit := VersionEdit{TsfID: tf.ID, SeqNo: v.LastSeq, MaxLevel: v.MaxLevel()}
			for _, f := range v.AllFiles() {
				edit.AddFiles = append(edit.AddFiles, f.Meta)
				if f.Meta.Bloom != nil {
					filters[f.Meta.ID] = f.Meta.Bloom
				}
			}
			edits = append(edits, edit)
			v.UnrefAll()
		}
	}
	return edits, filters
}

// GetTsFamilySeqNoMap returns the current last_seq for every TsFamily,
// keyed by tf_id, used by replication to pick a resume point for a lagging
// follower.
func (vs *VersionSet) GetTsFamilySeqNoMap() map[uint32]uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make(map[uint32]uint64)
	for _, db := range vs.dbs {
		for _, tf := range db.TsFamilies() {
			v := tf.Current()
			out[tf.ID] = v.LastSeq
			v.UnrefAll()
		}
	}
	return out
}
