package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var levelDBPrefix = []byte("p:")

type levelDBRepository struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) an on-disk repository at path.
func NewLevelDB(path string) (Repository, error) {
	if path == "" {
		return nil, errors.New("settings: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("settings: open leveldb %s: %w", path, err)
	}
	return &levelDBRepository{db: db}, nil
}

func levelDBKey(id string) []byte {
	return append(bytes.Clone(levelDBPrefix), id...)
}

func (r *levelDBRepository) Load(_ context.Context, id string) (PurgerSettings, error) {
	payload, err := r.db.Get(levelDBKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return PurgerSettings{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return PurgerSettings{}, fmt.Errorf("settings: leveldb get: %w", err)
	}
	var s PurgerSettings
	if err := json.Unmarshal(payload, &s); err != nil {
		return PurgerSettings{}, fmt.Errorf("settings: leveldb unmarshal: %w", err)
	}
	return s, nil
}

func (r *levelDBRepository) Save(_ context.Context, id string, s PurgerSettings) error {
	if id == "" {
		return errors.New("settings: purger id required")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: leveldb marshal: %w", err)
	}
	if err := r.db.Put(levelDBKey(id), payload, nil); err != nil {
		return fmt.Errorf("settings: leveldb put: %w", err)
	}
	return nil
}

func (r *levelDBRepository) Delete(_ context.Context, id string) error {
	key := levelDBKey(id)
	ok, err := r.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("settings: leveldb has: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	if err := r.db.Write(batch, nil); err != nil {
		return fmt.Errorf("settings: leveldb delete: %w", err)
	}
	return nil
}

func (r *levelDBRepository) List(_ context.Context) ([]string, error) {
	it := r.db.NewIterator(util.BytesPrefix(levelDBPrefix), nil)
	defer it.Release()

	var ids []string
	for it.Next() {
		ids = append(ids, string(bytes.TrimPrefix(it.Key(), levelDBPrefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("settings: leveldb iterate: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *levelDBRepository) Close(context.Context) error {
	return r.db.Close()
}
