// Package resultcache persists one immutable analysis outcome per digest.
//
// Records are published with a hard link from a fully written temp file, so
// a record file either does not exist or is complete, and an existing record
// is never replaced.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// Extension is appended to the digest to form a record's file name.
const Extension = ".rec"

// DefaultEntries bounds the decoded-record LRU.
const DefaultEntries = 1024

// Observer receives cache events. telemetry.Metrics implements it.
type Observer interface {
	CacheHit()
	CacheMiss()
	ResultWritten(outcome string)
}

// Cache is a durable digest -> ResultRecord map with a single write per key.
type Cache struct {
	root   string
	mem    *lru.Cache[model.Digest, model.ResultRecord]
	group  singleflight.Group
	obs    Observer
	writes atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver reports hits, misses and writes to o.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.obs = o }
}

// New opens (creating if needed) a cache rooted at root. entries bounds the
// in-memory LRU of decoded records; <= 0 selects DefaultEntries.
func New(root string, entries int, opts ...Option) (*Cache, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("result root is required")
	}
	if entries <= 0 {
		entries = DefaultEntries
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create result root: %w", err)
	}
	mem, err := lru.New[model.Digest, model.ResultRecord](entries)
	if err != nil {
		return nil, err
	}
	c := &Cache{root: root, mem: mem}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PathFor returns the record file path for d.
func (c *Cache) PathFor(d model.Digest) string {
	return filepath.Join(c.root, d.String()+Extension)
}

// Has reports whether a record file exists for d without decoding it.
func (c *Cache) Has(d model.Digest) bool {
	if c.mem.Contains(d) {
		return true
	}
	_, err := os.Stat(c.PathFor(d))
	return err == nil
}

// TryRead returns the record for d, or nil when none has been published yet.
// It never blocks on a running job. A record that cannot be decoded yields a
// *model.CorruptRecordError.
func (c *Cache) TryRead(ctx context.Context, d model.Digest) (*model.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r, ok := c.mem.Get(d); ok {
		c.hit()
		return &r, nil
	}

	v, err, shared := c.group.Do(d.String(), func() (any, error) {
		return c.load(d)
	})
	c.miss()
	if err != nil {
		return nil, err
	}
	r := v.(*model.ResultRecord)
	if r == nil && shared {
		// The shared read may have started before a write that completed
		// before this call; read again so a published record is never missed.
		if r, err = c.load(d); err != nil {
			return nil, err
		}
	}
	if r == nil {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (c *Cache) load(d model.Digest) (*model.ResultRecord, error) {
	data, err := os.ReadFile(c.PathFor(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", d.Short(), err)
	}
	r, err := decodeRecord(d, data)
	if err != nil {
		return nil, &model.CorruptRecordError{Digest: d, Err: err}
	}
	c.mem.Add(d, *r)
	return r, nil
}

// WriteOnce publishes r under r.Digest. If a record already exists the file
// is left untouched and model.ErrAlreadyWritten is returned.
func (c *Cache) WriteOnce(ctx context.Context, r model.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Digest.IsZero() {
		return fmt.Errorf("write record: %w", model.ErrInvalidDigest)
	}
	final := c.PathFor(r.Digest)
	if _, err := os.Stat(final); err == nil {
		return model.ErrAlreadyWritten
	}

	data, err := encodeRecord(r)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.root, "."+r.Digest.Short()+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}

	// link(2) fails with EEXIST instead of replacing, which makes the
	// publish both atomic and first-writer-wins.
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			slog.Warn("duplicate result write rejected", "digest", r.Digest.Short())
			return model.ErrAlreadyWritten
		}
		return fmt.Errorf("publish record: %w", err)
	}
	syncDir(c.root)

	c.writes.Add(1)
	if c.obs != nil {
		c.obs.ResultWritten(r.Outcome)
	}
	return nil
}

// Writes returns how many records this Cache instance has published.
func (c *Cache) Writes() uint64 {
	return c.writes.Load()
}

func (c *Cache) hit() {
	if c.obs != nil {
		c.obs.CacheHit()
	}
}

func (c *Cache) miss() {
	if c.obs != nil {
		c.obs.CacheMiss()
	}
}

// syncDir flushes the directory entry created by the link. Failure only
// weakens durability after a power loss, so it is logged, not returned.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		slog.Debug("sync result dir", "error", err)
	}
}
