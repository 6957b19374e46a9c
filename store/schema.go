package store

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Index declares a secondary index over a collection. Extract pulls the
// indexed value out of the stored JSON document; returning "" skips the row.
type Index struct {
	Name    string
	Extract func(value json.RawMessage) (string, error)
}

// Collection declares a named record group. Version gates additive
// migrations: bumping it reruns ensure steps, which are idempotent.
type Collection struct {
	Name    string
	Version uint64
	Indexes []Index
}

type Schema []Collection

// Collection names used by the sync layer. Callers may extend the schema
// with their own collections; these are always present.
const (
	ColSyncQueue       = "sync_queue"
	ColSessions        = "sessions"
	ColCalibrations    = "calibrations"
	ColPendingUploads  = "pending_uploads"
	ColComputationMeta = "computation_meta"
	ColDeadLetter      = "dead_letter"
)

// DefaultSchema returns the collection set of the offline sync layer.
// Landmark blobs and the computation cache live in dedicated key spaces
// (PutBlob / CachePut) and need no collection entry.
func DefaultSchema() Schema {
	return Schema{
		{Name: ColSyncQueue, Version: 1},
		{Name: ColSessions, Version: 1, Indexes: []Index{
			{Name: "exercise", Extract: jsonField("exerciseId")},
			{Name: "synced", Extract: jsonField("synced")},
		}},
		{Name: ColCalibrations, Version: 1, Indexes: []Index{
			{Name: "joint", Extract: jsonField("joint")},
		}},
		{Name: ColPendingUploads, Version: 1},
		{Name: ColComputationMeta, Version: 1},
		{Name: ColDeadLetter, Version: 1},
	}
}

// jsonField extracts a top-level field of a JSON document as its index value.
func jsonField(name string) func(json.RawMessage) (string, error) {
	return func(value json.RawMessage) (string, error) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(value, &m); err != nil {
			return "", err
		}
		raw, ok := m[name]
		if !ok {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		return string(raw), nil
	}
}

type collection struct {
	Collection
	id byte
}

// ensureSchema assigns stable collection ids and records versions. Rerunning
// a step that already applied is a no-op; ids of existing collections never
// change, new collections take the next free id. Nothing is ever dropped.
func (s *Store) ensureSchema(schema Schema) error {
	maxID := byte(0)
	for _, decl := range schema {
		id, ok, err := s.readColID(decl.Name)
		if err != nil {
			return errors.Wrapf(err, "schema: read id of %q", decl.Name)
		}
		if ok && id > maxID {
			maxID = id
		}
	}
	for _, decl := range schema {
		id, ok, err := s.readColID(decl.Name)
		if err != nil {
			return errors.Wrapf(err, "schema: read id of %q", decl.Name)
		}
		if !ok {
			maxID++
			id = maxID
			if err := s.db.Set(colIDKey(decl.Name), []byte{id}, s.wo); err != nil {
				return errors.Wrapf(err, "schema: assign id of %q", decl.Name)
			}
		}
		ver, err := s.readColVersion(decl.Name)
		if err != nil {
			return errors.Wrapf(err, "schema: read version of %q", decl.Name)
		}
		if decl.Version > ver {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], decl.Version)
			if err := s.db.Set(colVersionKey(decl.Name), buf[:], s.wo); err != nil {
				return errors.Wrapf(err, "schema: bump version of %q", decl.Name)
			}
		}
		s.cols[decl.Name] = &collection{Collection: decl, id: id}
	}
	return nil
}

func (s *Store) readColID(name string) (byte, bool, error) {
	val, clo, err := s.db.Get(colIDKey(name))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id := val[0]
	_ = clo.Close()
	return id, true, nil
}

func (s *Store) readColVersion(name string) (uint64, error) {
	val, clo, err := s.db.Get(colVersionKey(name))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ver := binary.BigEndian.Uint64(val)
	_ = clo.Close()
	return ver, nil
}

// Version reports the applied schema version of a collection.
func (s *Store) Version(collection string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	if _, ok := s.cols[collection]; !ok {
		return 0, ErrCollectionUnknown
	}
	ver, err := s.readColVersion(collection)
	return ver, storageErr("version", collection, "", err)
}
