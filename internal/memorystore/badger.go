package memorystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/memory"
)

// BadgerConfig configures the embedded store. Path is ignored when
// InMemory is set.
type BadgerConfig struct {
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
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a single-process memory store on an embedded badger database.
// Keys: fact/<session>/<fact key> and archive/<archive key>.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ memory.Store = (*Badger)(nil)

func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func factPrefix(sessionID string) []byte {
	return []byte("fact/" + sessionID + "/")
}

func (b *Badger) Search(ctx context.Context, query string, filter memory.Filter) ([]memory.Fact, error) {
	if filter.SessionID == "" {
		return nil, errors.New("search requires a session id")
	}
	var facts []memory.Fact
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := factPrefix(filter.SessionID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var f memory.Fact
				if err := json.Unmarshal(val, &f); err != nil {
					b.logger.Warn("Skipping unreadable fact", "key", string(it.Item().Key()), "error", err)
					return nil
				}
				facts = append(facts, f)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan facts: %w", err)
	}
	return memory.Rank(query, filter, facts), nil
}

func (b *Badger) Remember(ctx context.Context, fact memory.Fact) error {
	if err := fact.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("failed to marshal fact: %w", err)
	}
	key := append(factPrefix(fact.SessionID), fact.Key...)
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("failed to save fact: %w", err)
	}
	return nil
}

func (b *Badger) Archive(ctx context.Context, key memory.ArchiveKey, turns []chat.Turn) error {
	if _, err := key.SessionID(); err != nil {
		return err
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("archive/"+string(key)), data)
	}); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

func (b *Badger) Retrieve(ctx context.Context, key memory.ArchiveKey) ([]chat.Turn, error) {
	var turns []chat.Turn
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("archive/" + string(key)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &turns)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	return turns, nil
}
