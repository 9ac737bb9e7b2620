// /internal/storage/storage.go
package storage

import (
	"fmt"

	"github.com/keshon/voicemirror/datastore"
)

// Keys of the durable slots.
const (
	SessionTokenKey  = "discord_session_token"
	LastKnownSongKey = "last_known_song"
)

type Storage struct {
	ds *datastore.DataStore
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

func (s *Storage) load(key string, dst any) (bool, error) {
	ok, err := s.ds.Get(key, dst)
	if err != nil {
		return ok, fmt.Errorf("error loading %s: %w", key, err)
	}
	return ok, nil
}

func (s *Storage) save(key string, v any) error {
	if err := s.ds.Put(key, v); err != nil {
		return fmt.Errorf("error saving %s: %w", key, err)
	}
	return nil
}

// Slot is a typed view over a single key of the store.
type Slot[T any] struct {
	s   *Storage
	key string
}

func NewSlot[T any](s *Storage, key string) *Slot[T] {
	return &Slot[T]{s: s, key: key}
}

// Load returns the stored value. ok is false when nothing has been saved yet.
func (sl *Slot[T]) Load() (T, bool, error) {
	var v T
	ok, err := sl.s.load(sl.key, &v)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, ok, nil
}

func (sl *Slot[T]) Save(v T) error {
	return sl.s.save(sl.key, v)
}

func (sl *Slot[T]) Clear() error {
	sl.s.ds.Delete(sl.key)
	return nil
}
