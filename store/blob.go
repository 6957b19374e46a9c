package store

import "github.com/cockroachdb/pebble"

// Blobs hold large binary payloads (recorded session video, raw landmark
// captures) keyed by session id, in their own key space so they can be
// evicted independently of structured records.

func (s *Store) PutBlob(key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storageErr("putblob", "", key, ErrClosed)
	}
	return storageErr("putblob", "", key, s.db.Set(blobKey(key), blob, s.wo))
}

func (s *Store) GetBlob(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, storageErr("getblob", "", key, ErrClosed)
	}
	val, clo, err := s.db.Get(blobKey(key))
	if err == pebble.ErrNotFound {
		return nil, storageErr("getblob", "", key, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("getblob", "", key, err)
	}
	blob := append([]byte(nil), val...)
	_ = clo.Close()
	return blob, nil
}

func (s *Store) DeleteBlob(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return storageErr("deleteblob", "", key, ErrClosed)
	}
	return storageErr("deleteblob", "", key, s.db.Delete(blobKey(key), s.wo))
}
