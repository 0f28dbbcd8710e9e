package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// CacheConfig configures the on-disk response cache.
type CacheConfig struct {
	// Dir is the badger data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Namespace is mixed into every key, typically the model name, so that
	// switching models never replays another model's answers.
	Namespace string
}

// OpenCache opens the badger store backing a Cached backend.
func OpenCache(cfg CacheConfig, logger *slog.Logger) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache dir not set")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	return db, nil
}

// Cached is a content-addressed response cache in front of a backend. A hit
// replays the stored response, usage included, so a cached session makes
// the same decisions as an uncached one.
type Cached struct {
	next      Backend
	db        *badger.DB
	namespace string
	logger    *slog.Logger
}

// NewCached wraps next with the cache in db.
func NewCached(next Backend, db *badger.DB, namespace string, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, db: db, namespace: namespace, logger: logger}
}

// Key returns the cache key of a request.
func (c *Cached) Key(req Request) ([]byte, error) {
	// Purpose is a label only; two purposes with the same prompt share an answer.
	req.Purpose = ""
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(c.namespace))
	h.Write([]byte{0})
	h.Write(data)
	return []byte("resp/" + hex.EncodeToString(h.Sum(nil))), nil
}

func (c *Cached) Generate(ctx context.Context, req Request) (*Response, error) {
	key, err := c.Key(req)
	if err != nil {
		return nil, err
	}

	var hit *Response
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var r Response
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			hit = &r
			return nil
		})
	})
	switch {
	case err == nil:
		hit.Cached = true
		c.logger.Debug("response cache hit", "purpose", req.Purpose)
		return hit, nil
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		c.logger.Warn("response cache read failed", "error", err)
	}

	resp, err := c.next.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(resp)
	if err == nil {
		err = c.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, data)
		})
	}
	if err != nil {
		c.logger.Warn("response cache write failed", "error", err)
	}
	return resp, nil
}

// Forget drops the stored answer for req, if any, and asks the wrapped
// backend to do the same.
func (c *Cached) Forget(ctx context.Context, req Request) error {
	key, err := c.Key(req)
	if err != nil {
		return err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("forget cached response: %w", err)
	}
	return Forget(ctx, c.next, req)
}

// badgerLogger adapts slog to badger.Logger.
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
