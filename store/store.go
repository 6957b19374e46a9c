package store

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/himo777777/Rehabflow-sub009/utils"
)

// Keyspace layout, one pebble database per store directory:
//
//	M C <name>                      collection id
//	M V <name>                      collection schema version
//	O <cid> 00 <key>                primary row, JSON value
//	I <cid> <idx> <hash:8> 00 <key> index row, extracted value
//	B 00 <key>                      binary blob
//	A 00 <key>                      cache entry
const (
	litMeta  = 'M'
	litObj   = 'O'
	litIndex = 'I'
	litBlob  = 'B'
	litCache = 'A'
)

type Options struct {
	Dir    string
	Logger utils.Logger

	// Sync makes every commit wait for the WAL. Queue durability depends
	// on it, so it defaults to on.
	NoSync bool

	CacheMaxEntries int
	CacheMaxBytes   int64
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.CacheMaxEntries == 0 {
		o.CacheMaxEntries = 512
	}
	if o.CacheMaxBytes == 0 {
		o.CacheMaxBytes = 64 << 20
	}
}

type Store struct {
	db   *pebble.DB
	dir  string
	opts Options
	log  utils.Logger
	wo   *pebble.WriteOptions

	mu   sync.Mutex
	cols map[string]*collection

	cache      *lru.Cache[string, *CacheEntry]
	cacheBytes int64
}

// Open opens (creating if needed) the store at opts.Dir and applies the
// schema. Migrations are additive and idempotent.
func Open(opts Options, schema Schema) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(opts.Dir, &pebble.Options{})
	if err != nil {
		return nil, storageErr("open", "", "", err)
	}
	s := &Store{
		db:   db,
		dir:  opts.Dir,
		opts: opts,
		log:  opts.Logger,
		wo:   &pebble.WriteOptions{Sync: !opts.NoSync},
		cols: make(map[string]*collection),
	}
	if err := s.ensureSchema(schema); err != nil {
		_ = db.Close()
		return nil, storageErr("migrate", "", "", err)
	}
	if err := s.initCache(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return storageErr("close", "", "", err)
}

func (s *Store) Dir() string { return s.dir }

func objKey(cid byte, key string) []byte {
	k := []byte{litObj, cid, 0}
	return append(k, key...)
}

func idxKey(cid, idx byte, hash uint64, key string) []byte {
	k := []byte{litIndex, cid, idx}
	k = binary.BigEndian.AppendUint64(k, hash)
	k = append(k, 0)
	return append(k, key...)
}

func blobKey(key string) []byte {
	return append([]byte{litBlob, 0}, key...)
}

func cacheKey(key string) []byte {
	return append([]byte{litCache, 0}, key...)
}

func colIDKey(name string) []byte {
	return append([]byte{litMeta, 'C'}, name...)
}

func colVersionKey(name string) []byte {
	return append([]byte{litMeta, 'V'}, name...)
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) col(name string) (*collection, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	col, ok := s.cols[name]
	if !ok {
		return nil, ErrCollectionUnknown
	}
	return col, nil
}

// Put JSON-encodes value and writes the primary row plus all index rows in
// one batch, removing index rows of the previous value. Same-key writes are
// serialized; the last writer wins.
func (s *Store) Put(collection, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return storageErr("put", collection, key, err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return storageErr("put", collection, key, err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.dropIndexRows(batch, col, key); err != nil {
		return storageErr("put", collection, key, err)
	}
	if err := batch.Set(objKey(col.id, key), raw, nil); err != nil {
		return storageErr("put", collection, key, err)
	}
	for i, idx := range col.Indexes {
		val, err := idx.Extract(raw)
		if err != nil {
			return storageErr("put", collection, key, err)
		}
		if val == "" {
			continue
		}
		ik := idxKey(col.id, byte(i), xxhash.Sum64String(val), key)
		if err := batch.Set(ik, []byte(val), nil); err != nil {
			return storageErr("put", collection, key, err)
		}
	}
	return storageErr("put", collection, key, batch.Commit(s.wo))
}

// dropIndexRows removes the index rows derived from the currently stored
// value of key, if any.
func (s *Store) dropIndexRows(batch *pebble.Batch, col *collection, key string) error {
	if len(col.Indexes) == 0 {
		return nil
	}
	old, clo, err := s.db.Get(objKey(col.id, key))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	raw := append([]byte(nil), old...)
	_ = clo.Close()
	for i, idx := range col.Indexes {
		val, err := idx.Extract(raw)
		if err != nil || val == "" {
			continue
		}
		if err := batch.Delete(idxKey(col.id, byte(i), xxhash.Sum64String(val), key), nil); err != nil {
			return err
		}
	}
	return nil
}

// Get decodes the stored value into out. Returns ErrNotFound (wrapped) when
// the key is absent.
func (s *Store) Get(collection, key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return storageErr("get", collection, key, err)
	}
	val, clo, err := s.db.Get(objKey(col.id, key))
	if err == pebble.ErrNotFound {
		return storageErr("get", collection, key, ErrNotFound)
	}
	if err != nil {
		return storageErr("get", collection, key, err)
	}
	defer clo.Close()
	return storageErr("get", collection, key, json.Unmarshal(val, out))
}

// Record is one stored row: the primary key and the raw JSON value.
type Record struct {
	Key   string
	Value json.RawMessage
}

// GetAll returns every record of a collection in primary-key order.
func (s *Store) GetAll(collection string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return nil, storageErr("getall", collection, "", err)
	}
	prefix := objKey(col.id, "")
	recs, err := s.scan(prefix)
	return recs, storageErr("getall", collection, "", err)
}

func (s *Store) scan(prefix []byte) ([]Record, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var recs []Record
	for valid := it.First(); valid; valid = it.Next() {
		recs = append(recs, Record{
			Key:   string(it.Key()[len(prefix):]),
			Value: append(json.RawMessage(nil), it.Value()...),
		})
	}
	return recs, it.Error()
}

// QueryByIndex returns the records whose indexed field equals value. Hash
// collisions are filtered by comparing the stored index value.
func (s *Store) QueryByIndex(collection, index, value string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return nil, storageErr("query", collection, "", err)
	}
	idxNo := -1
	for i, idx := range col.Indexes {
		if idx.Name == index {
			idxNo = i
			break
		}
	}
	if idxNo < 0 {
		return nil, storageErr("query", collection, "", ErrIndexUnknown)
	}
	prefix := idxKey(col.id, byte(idxNo), xxhash.Sum64String(value), "")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, storageErr("query", collection, "", err)
	}
	defer it.Close()
	var recs []Record
	for valid := it.First(); valid; valid = it.Next() {
		if string(it.Value()) != value {
			continue
		}
		key := string(it.Key()[len(prefix):])
		val, clo, err := s.db.Get(objKey(col.id, key))
		if err == pebble.ErrNotFound {
			continue // index row outlived its object
		}
		if err != nil {
			return nil, storageErr("query", collection, key, err)
		}
		recs = append(recs, Record{Key: key, Value: append(json.RawMessage(nil), val...)})
		_ = clo.Close()
	}
	return recs, storageErr("query", collection, "", it.Error())
}

// Delete removes the record and its index rows. Deleting an absent key is
// not an error.
func (s *Store) Delete(collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return storageErr("delete", collection, key, err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.dropIndexRows(batch, col, key); err != nil {
		return storageErr("delete", collection, key, err)
	}
	if err := batch.Delete(objKey(col.id, key), nil); err != nil {
		return storageErr("delete", collection, key, err)
	}
	return storageErr("delete", collection, key, batch.Commit(s.wo))
}

func (s *Store) Count(collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return 0, storageErr("count", collection, "", err)
	}
	prefix := objKey(col.id, "")
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, storageErr("count", collection, "", err)
	}
	defer it.Close()
	n := 0
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	return n, storageErr("count", collection, "", it.Error())
}

// Clear drops every record and index row of one collection. The schema
// entry survives.
func (s *Store) Clear(collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.col(collection)
	if err != nil {
		return storageErr("clear", collection, "", err)
	}
	return storageErr("clear", collection, "", s.clearLocked(col))
}

func (s *Store) clearLocked(col *collection) error {
	op := objKey(col.id, "")
	if err := s.db.DeleteRange(op, prefixEnd(op), s.wo); err != nil {
		return err
	}
	ip := []byte{litIndex, col.id}
	return s.db.DeleteRange(ip, prefixEnd(ip), s.wo)
}

// ClearAll wipes every collection, the blob space and the cache. Schema
// records stay, so the store remains usable without a reopen.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	for _, col := range s.cols {
		if err := s.clearLocked(col); err != nil {
			return storageErr("clearall", col.Name, "", err)
		}
	}
	bp := []byte{litBlob}
	if err := s.db.DeleteRange(bp, prefixEnd(bp), s.wo); err != nil {
		return storageErr("clearall", "", "", err)
	}
	return storageErr("clearall", "", "", s.purgeCacheLocked())
}

// Batch groups puts, deletes and blob writes into one atomic commit. Used
// by the coordinator for persist-then-enqueue.
type Batch struct {
	s     *Store
	batch *pebble.Batch
	err   error
}

func (s *Store) NewBatch() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return &Batch{s: s, err: ErrClosed}
	}
	return &Batch{s: s, batch: s.db.NewBatch()}
}

func (b *Batch) Put(collection, key string, value any) *Batch {
	if b.err != nil {
		return b
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	col, err := b.s.col(collection)
	if err != nil {
		b.err = storageErr("batch-put", collection, key, err)
		return b
	}
	raw, err := json.Marshal(value)
	if err != nil {
		b.err = storageErr("batch-put", collection, key, err)
		return b
	}
	if err := b.s.dropIndexRows(b.batch, col, key); err != nil {
		b.err = storageErr("batch-put", collection, key, err)
		return b
	}
	if err := b.batch.Set(objKey(col.id, key), raw, nil); err != nil {
		b.err = storageErr("batch-put", collection, key, err)
		return b
	}
	for i, idx := range col.Indexes {
		val, err := idx.Extract(raw)
		if err != nil || val == "" {
			continue
		}
		ik := idxKey(col.id, byte(i), xxhash.Sum64String(val), key)
		if err := b.batch.Set(ik, []byte(val), nil); err != nil {
			b.err = storageErr("batch-put", collection, key, err)
			return b
		}
	}
	return b
}

func (b *Batch) PutBlob(key string, blob []byte) *Batch {
	if b.err != nil {
		return b
	}
	if err := b.batch.Set(blobKey(key), blob, nil); err != nil {
		b.err = storageErr("batch-putblob", "", key, err)
	}
	return b
}

func (b *Batch) Delete(collection, key string) *Batch {
	if b.err != nil {
		return b
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	col, err := b.s.col(collection)
	if err != nil {
		b.err = storageErr("batch-delete", collection, key, err)
		return b
	}
	if err := b.s.dropIndexRows(b.batch, col, key); err != nil {
		b.err = storageErr("batch-delete", collection, key, err)
		return b
	}
	if err := b.batch.Delete(objKey(col.id, key), nil); err != nil {
		b.err = storageErr("batch-delete", collection, key, err)
	}
	return b
}

func (b *Batch) Commit() error {
	if b.err != nil {
		if b.batch != nil {
			_ = b.batch.Close()
		}
		return b.err
	}
	defer b.batch.Close()
	return storageErr("batch-commit", "", "", b.batch.Commit(b.s.wo))
}
