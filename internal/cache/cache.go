// internal/cache/cache.go
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"gitcms/internal/logging"
	"gitcms/internal/storage"
)

// DefaultMetaTTL is how long metadata documents are trusted.
const DefaultMetaTTL = 5 * time.Minute

var ErrInvalidKey = errors.New("invalid cache key")

// envelope is the persisted form of a metadata entry.
type envelope struct {
	Expires int64           `json:"expires"` // unix millis
	Data    json.RawMessage `json:"data"`
}

// Cache is the process-wide read cache. Content is keyed "<prefix>.<sha>"
// and never invalidated; metadata is keyed "<prefix>.meta.<key>" and
// expires after the configured TTL.
type Cache struct {
	store  *storage.BadgerStore
	lru    *lru.Cache[string, []byte]
	cm     *compressionManager
	ttl    time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// Options configures Cache behavior
type Options struct {
	Prefix      string // key prefix, "gh" by default
	CacheSize   int    // number of content items kept in memory
	MetaTTL     time.Duration
	Compression CompressionOptions
	Logger      *logging.Logger
	Now         func() time.Time
}

func New(db *badger.DB, opts Options) (*Cache, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}

	if opts.Prefix == "" {
		opts.Prefix = "gh"
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 1000
	}
	if opts.MetaTTL == 0 {
		opts.MetaTTL = DefaultMetaTTL
	}
	if opts.Compression == (CompressionOptions{}) {
		opts.Compression = DefaultCompressionOptions()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mem, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	cm, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store:  storage.NewBadgerStore(db, opts.Prefix),
		lru:    mem,
		cm:     cm,
		ttl:    opts.MetaTTL,
		now:    opts.Now,
		logger: opts.Logger.Named("cache"),
	}, nil
}

// GetContent returns the cached file content for a blob sha.
func (c *Cache) GetContent(sha string) ([]byte, bool, error) {
	if sha == "" {
		return nil, false, ErrInvalidKey
	}

	if content, ok := c.lru.Get(sha); ok {
		return content, true, nil
	}

	record, err := c.store.Fetch(sha)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached content: %w", err)
	}

	content, err := c.cm.decode(record)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cached content %s: %w", sha, err)
	}

	c.lru.Add(sha, content)
	c.logger.Debug("content cache hit", zap.String("sha", sha))
	return content, true, nil
}

// PutContent stores content under its sha. Entries are immutable so a
// concurrent writer of the same key stores the same bytes.
func (c *Cache) PutContent(sha string, content []byte) error {
	if sha == "" {
		return ErrInvalidKey
	}
	if content == nil {
		content = []byte{}
	}

	if err := c.store.Put(sha, c.cm.encode(content)); err != nil {
		return fmt.Errorf("storing content: %w", err)
	}
	c.lru.Add(sha, content)
	return nil
}

func metaKey(key string) string {
	return "meta." + key
}

// GetMeta decodes an unexpired metadata entry into out.
func (c *Cache) GetMeta(key string, out any) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	record, err := c.store.Fetch(metaKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading cached metadata: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(record, &env); err != nil {
		return false, fmt.Errorf("decoding metadata envelope: %w", err)
	}
	if env.Expires <= c.now().UnixMilli() {
		return false, nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, fmt.Errorf("decoding cached metadata %s: %w", key, err)
	}
	return true, nil
}

// PutMeta stores data under key for the configured TTL.
func (c *Cache) PutMeta(key string, data any) error {
	if key == "" {
		return ErrInvalidKey
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	record, err := json.Marshal(envelope{
		Expires: c.now().Add(c.ttl).UnixMilli(),
		Data:    raw,
	})
	if err != nil {
		return err
	}
	return c.store.Put(metaKey(key), record)
}

func (c *Cache) DeleteMeta(key string) error {
	err := c.store.Delete(metaKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
