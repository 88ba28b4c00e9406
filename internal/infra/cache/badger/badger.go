// Package badger is the durable tier of the adapter cache. Entries live under
// the adapter_cache/ keyspace and expire through badger's native TTL.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Prefix namespaces every cache key.
const Prefix = "adapter_cache/"

// Config holds configuration for the cache database.
type Config struct {
	// Path is the directory for database files; ignored when InMemory.
	Path     string
	InMemory bool
	// SyncWrites trades write latency for durability.
	SyncWrites bool
	// Logger receives badger's own logging; nil silences it.
	Logger *slog.Logger
	// GCInterval drives value log garbage collection; 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter adapts slog.Logger to badger.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Tier is a badger-backed byte cache.
type Tier struct {
	db     *badger.DB
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// Open opens the database, creating the directory when persistent.
func Open(cfg Config) (*Tier, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger cache: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	t := &Tier{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		t.stop, t.done = make(chan struct{}), make(chan struct{})
		go t.gcLoop(cfg.GCInterval, ratio)
	}
	return t, nil
}

func (t *Tier) gcLoop(interval time.Duration, ratio float64) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && t.logger != nil {
				t.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Get returns the stored bytes; expired or missing keys report false.
func (t *Tier) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Prefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Put stores value; a positive ttl makes badger expire the entry.
func (t *Tier) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return t.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(Prefix+key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete removes every key under prefix.
func (t *Tier) Delete(_ context.Context, prefix string) error {
	return t.db.DropPrefix([]byte(Prefix + prefix))
}

// Close stops garbage collection and closes the database.
func (t *Tier) Close() error {
	if t.stop != nil {
		close(t.stop)
		<-t.done
	}
	return t.db.Close()
}
