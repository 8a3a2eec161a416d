package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/alimasry/collab-ot/ot"
)

// BadgerConfig configures an embedded Badger database.
type BadgerConfig struct {
	// Path is the data directory. Required unless InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore keeps history and snapshots in an embedded key-value store.
//
// Keys:
//
//	c/{id}/meta            head record
//	c/{id}/op/{%010d}      operation producing that version
//	c/{id}/v/{%010d}       snapshot at that version
type BadgerStore struct {
	db *badger.DB
}

type badgerMeta struct {
	Version   int       `json:"version"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type badgerSnapshot struct {
	Text      string    `json:"text"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// OpenBadgerStore opens (or creates) a Badger database.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// checkID rejects ids that would break the key layout.
func checkID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q must be non-empty and contain no '/'", ErrInvalidID, id)
	}
	return nil
}

func metaKey(id string) []byte { return []byte("c/" + id + "/meta") }

func opPrefix(id string) []byte { return []byte("c/" + id + "/op/") }

func opKey(id string, version int) []byte {
	return append(opPrefix(id), zeroPad(version)...)
}

func snapPrefix(id string) []byte { return []byte("c/" + id + "/v/") }

func snapKey(id string, version int) []byte {
	return append(snapPrefix(id), zeroPad(version)...)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

func (s *BadgerStore) readMeta(txn *badger.Txn, id string) (badgerMeta, error) {
	var m badgerMeta
	err := getJSON(txn, metaKey(id), &m)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return m, err
}

func (s *BadgerStore) Create(ctx context.Context, seed ContentVersion) error {
	if err := checkID(seed.ContentID); err != nil {
		return err
	}
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = time.Now()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(seed.ContentID)); err == nil {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, seed.ContentID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, metaKey(seed.ContentID), badgerMeta{CreatedBy: seed.CreatedBy, CreatedAt: seed.CreatedAt}); err != nil {
			return err
		}
		return setJSON(txn, snapKey(seed.ContentID, 0), badgerSnapshot{
			Text:      seed.Text,
			CreatedBy: seed.CreatedBy,
			CreatedAt: seed.CreatedAt,
		})
	})
}

func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("c/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if id, ok := strings.CutSuffix(strings.TrimPrefix(key, "c/"), "/meta"); ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (s *BadgerStore) LatestSnapshot(ctx context.Context, id string) (*ContentVersion, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var out *ContentVersion
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := snapPrefix(id)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		item := it.Item()
		version, err := strconv.Atoi(string(item.Key()[len(prefix):]))
		if err != nil {
			return fmt.Errorf("bad snapshot key %q: %w", item.Key(), err)
		}
		var snap badgerSnapshot
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &snap) }); err != nil {
			return err
		}
		out = &ContentVersion{
			ContentID: id,
			Version:   version,
			Text:      snap.Text,
			CreatedBy: snap.CreatedBy,
			CreatedAt: snap.CreatedAt,
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap ContentVersion) error {
	if err := checkID(snap.ContentID); err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := s.readMeta(txn, snap.ContentID); err != nil {
			return err
		}
		return setJSON(txn, snapKey(snap.ContentID, snap.Version), badgerSnapshot{
			Text:      snap.Text,
			CreatedBy: snap.CreatedBy,
			CreatedAt: snap.CreatedAt,
		})
	})
}

func (s *BadgerStore) AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		meta, err := s.readMeta(txn, id)
		if err != nil {
			return err
		}
		switch {
		case version <= meta.Version:
			return nil
		case version > meta.Version+1:
			return fmt.Errorf("%w: %q at v%d, got version %d", ErrVersionGap, id, meta.Version, version)
		}
		op.ContentID = id
		if err := setJSON(txn, opKey(id, version), op); err != nil {
			return err
		}
		meta.Version = version
		return setJSON(txn, metaKey(id), meta)
	})
}

func (s *BadgerStore) GetOperations(ctx context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var ops []ot.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := s.readMeta(txn, id); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = opPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opKey(id, fromVersion+1)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var op ot.Operation
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &op) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}
