package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound  = errors.New("object not found")
	ErrExists    = errors.New("object already exists")
	ErrInvalidID = errors.New("invalid id")
)

const (
	objectPrefix  = "obj:"
	elementPrefix = "elem:"

	// Element bytes are split into values of at most this size, keyed by
	// chunk index, so no single value exceeds an in-memory store's limit.
	elementChunkSize = 64 << 10
)

// Element describes one element of a digital object. Its bytes are stored
// separately and streamed on demand.
type Element struct {
	ID         string          `json:"id"`
	Type       string          `json:"type,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Length     int64           `json:"length"`
}

// Object is a stored digital object.
type Object struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Elements   []Element       `json:"elements,omitempty"`
}

// Element returns the element with id, if present.
func (o *Object) Element(id string) (*Element, bool) {
	for i := range o.Elements {
		if o.Elements[i].ID == id {
			return &o.Elements[i], true
		}
	}
	return nil, false
}

// Options for opening a Store
type Options struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Store keeps digital objects and their element bytes in BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens or creates a Store.
func Open(o Options) (*Store, error) {
	opts := badger.DefaultOptions(o.Dir)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable logging for cleaner output

	opts.NumVersionsToKeep = 1
	if !o.InMemory {
		opts.ValueThreshold = 1024 // element chunks above 1KB go to the value log
	}
	opts.SyncWrites = o.SyncWrites
	opts.CompactL0OnClose = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the BadgerDB connection
func (s *Store) Close() error {
	return s.db.Close()
}

func objectKey(id string) []byte {
	return []byte(objectPrefix + id)
}

func elementKey(objectID, elementID string) []byte {
	return []byte(elementPrefix + objectID + "\x00" + elementID + "\x00")
}

func elementChunkKey(objectID, elementID string, n uint32) []byte {
	key := elementKey(objectID, elementID)
	return binary.BigEndian.AppendUint32(key, n)
}

func elementsPrefix(objectID string) []byte {
	return []byte(elementPrefix + objectID + "\x00")
}

func validID(id string) bool {
	return id != "" && !strings.ContainsRune(id, 0)
}

// CreateObject stores a new object with the given element bytes. An
// existing object with the same id is a conflict.
func (s *Store) CreateObject(obj *Object, data map[string][]byte) error {
	if !validID(obj.ID) {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(objectKey(obj.ID))
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putObject(txn, obj, nil, data)
	})
}

// PutObject creates or replaces an object. Elements listed without new data
// keep their stored bytes; elements no longer listed are removed.
func (s *Store) PutObject(obj *Object, data map[string][]byte) error {
	if !validID(obj.ID) {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getObject(txn, obj.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return putObject(txn, obj, old, data)
	})
}

// UpdateObject replaces an existing object like PutObject.
func (s *Store) UpdateObject(obj *Object, data map[string][]byte) error {
	if !validID(obj.ID) {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getObject(txn, obj.ID)
		if err != nil {
			return err
		}
		return putObject(txn, obj, old, data)
	})
}

func putObject(txn *badger.Txn, obj, old *Object, data map[string][]byte) error {
	for id := range data {
		if !validID(id) {
			return ErrInvalidID
		}
		if _, ok := obj.Element(id); !ok {
			obj.Elements = append(obj.Elements, Element{ID: id})
		}
	}

	for i := range obj.Elements {
		el := &obj.Elements[i]
		if b, ok := data[el.ID]; ok {
			el.Length = int64(len(b))
			if err := setElement(txn, obj.ID, el.ID, b); err != nil {
				return err
			}
			continue
		}
		el.Length = 0
		if old != nil {
			if prev, ok := old.Element(el.ID); ok {
				el.Length = prev.Length
			}
		}
	}

	if old != nil {
		for _, prev := range old.Elements {
			if _, ok := obj.Element(prev.ID); ok {
				continue
			}
			if err := deletePrefix(txn, elementKey(obj.ID, prev.ID)); err != nil {
				return err
			}
		}
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return txn.Set(objectKey(obj.ID), b)
}

// setElement replaces the chunks of one element. An empty element is stored
// as a single empty chunk.
func setElement(txn *badger.Txn, objectID, elementID string, b []byte) error {
	if err := deletePrefix(txn, elementKey(objectID, elementID)); err != nil {
		return err
	}
	for n := uint32(0); ; n++ {
		end := min(len(b), elementChunkSize)
		if err := txn.Set(elementChunkKey(objectID, elementID, n), b[:end]); err != nil {
			return err
		}
		b = b[end:]
		if len(b) == 0 {
			return nil
		}
	}
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// GetObject retrieves an object by id
func (s *Store) GetObject(id string) (*Object, error) {
	if !validID(id) {
		return nil, ErrInvalidID
	}
	var obj *Object
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		obj, err = getObject(txn, id)
		return err
	})
	return obj, err
}

func getObject(txn *badger.Txn, id string) (*Object, error) {
	item, err := txn.Get(objectKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var obj Object
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &obj)
	})
	if err != nil {
		return nil, fmt.Errorf("decode object %q: %w", id, err)
	}
	return &obj, nil
}

// DeleteObject removes an object and all of its element bytes.
func (s *Store) DeleteObject(id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := deletePrefix(txn, elementsPrefix(id)); err != nil {
			return err
		}
		return txn.Delete(objectKey(id))
	})
}

// PutElement stores the bytes of one element of an existing object and
// records its length.
func (s *Store) PutElement(objectID, elementID string, data []byte) error {
	if !validID(objectID) || !validID(elementID) {
		return ErrInvalidID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getObject(txn, objectID)
		if err != nil {
			return err
		}
		obj := *old
		obj.Elements = append([]Element(nil), old.Elements...)
		return putObject(txn, &obj, old, map[string][]byte{elementID: data})
	})
}

// GetElement retrieves the bytes of one element.
func (s *Store) GetElement(objectID, elementID string) ([]byte, error) {
	if !validID(objectID) || !validID(elementID) {
		return nil, ErrInvalidID
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = elementKey(objectID, elementID)
		it := txn.NewIterator(opts)
		defer it.Close()

		found := false
		for it.Rewind(); it.Valid(); it.Next() {
			found = true
			err := it.Item().Value(func(val []byte) error {
				value = append(value, val...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		if !found {
			return ErrNotFound
		}
		if value == nil {
			value = []byte{}
		}
		return nil
	})
	return value, err
}

// ListObjects calls fn for every object in id order until fn returns an
// error.
func (s *Store) ListObjects(fn func(*Object) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(objectPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var obj Object
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &obj)
			})
			if err != nil {
				return err
			}
			if err := fn(&obj); err != nil {
				return err
			}
		}
		return nil
	})
}
