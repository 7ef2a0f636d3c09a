package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
)

var log = caddyutil.Named("log.cache")

// target discriminates where a cached body lives, mirroring
// CacheFileOrOnMemory in cache_main.rs.
type target struct {
	onMemory []byte // nil when stored as a file
	filePath string // empty when stored on memory
}

func (t target) isFile() bool { return t.filePath != "" }

// object is one cached entry: its freshness policy, storage target,
// and the SHA-256 of the body as stored (spec.md §3 "CacheObject").
type object struct {
	policy Policy
	header http.Header
	status int
	target target
	hash   [sha256.Size]byte
}

// Config sizes a Cache (spec.md §4.6).
type Config struct {
	MaxEntries          int
	MaxEachSize         int64
	MaxEachSizeOnMemory int64
	CacheDir            string
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.MaxEachSize <= 0 {
		c.MaxEachSize = 64 << 20
	}
	if c.MaxEachSizeOnMemory <= 0 || c.MaxEachSizeOnMemory > c.MaxEachSize {
		c.MaxEachSizeOnMemory = c.MaxEachSize
	}
	return c
}

// Cache is the process-wide response cache. Constructed only when
// enabled in configuration (spec.md §4.6).
type Cache struct {
	cfg     Config
	lru     *lru.Cache[string, *object]
	fileMu  sync.RWMutex
	fileCnt int
}

// New builds a Cache, wiping and recreating cfg.CacheDir as spec.md
// §4.6/§3 "Cache state" requires ("On startup the file-store directory
// is wiped and recreated; the cache is not persistent.").
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()

	if err := os.RemoveAll(cfg.CacheDir); err != nil {
		log.Warn("failed to clean up cache dir", zap.String("dir", cfg.CacheDir), zap.Error(err))
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating cache dir %s: %w", cfg.CacheDir, err)
	}

	l, err := lru.New[string, *object](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: building lru: %w", err)
	}

	return &Cache{cfg: cfg, lru: l}, nil
}

// Counts returns (total, on-memory, file) entry counts, mirroring
// RpxyCache::count in cache_main.rs.
func (c *Cache) Counts() (total, onMemory, file int) {
	c.fileMu.RLock()
	file = c.fileCnt
	c.fileMu.RUnlock()
	total = c.lru.Len()
	onMemory = total - file
	return total, onMemory, file
}

// ErrTooLargeToCache is returned by Put when the aggregated body
// exceeds cfg.MaxEachSize (spec.md §4.6 "Put").
var ErrTooLargeToCache = fmt.Errorf("cache: response body too large to cache")

// Put stores resp's body (already fully read into body) under uri's
// cache key, provided len(body) does not exceed MaxEachSize. Bodies
// at or below MaxEachSizeOnMemory are kept in the LRU entry itself;
// larger bodies are written to a file named
// URL_SAFE_NO_PAD(SHA-256(uri)) under the cache directory (spec.md
// §4.6, §8 testable property 12).
func (c *Cache) Put(uri string, status int, header http.Header, body []byte, policy Policy) error {
	if int64(len(body)) > c.cfg.MaxEachSize {
		log.Warn("too large to cache", zap.String("uri", uri), zap.Int("size", len(body)))
		return ErrTooLargeToCache
	}

	hash := sha256.Sum256(body)

	obj := &object{
		policy: policy,
		header: header.Clone(),
		status: status,
		hash:   hash,
	}

	if int64(len(body)) <= c.cfg.MaxEachSizeOnMemory {
		obj.target = target{onMemory: append([]byte(nil), body...)}
	} else {
		path := filepath.Join(c.cfg.CacheDir, filenameForURI(uri))
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return fmt.Errorf("cache: writing cache file %s: %w", path, err)
		}
		obj.target = target{filePath: path}
		c.fileMu.Lock()
		c.fileCnt++
		c.fileMu.Unlock()
	}

	// golang-lru/v2's Add does not report which entry it evicted, only
	// that one was (the Rust original's LruCache::push hands back the
	// evicted (key, value) directly to delete its file synchronously).
	// Evicted file entries are instead reaped by the supervisor's
	// periodic cache sweep (internal/supervisor) rather than here.
	if c.lru.Add(uri, obj) {
		log.Debug("lru evicted an entry to make room", zap.String("uri", uri))
	}
	return nil
}

// Get looks up uri; if present and fresh for req, the stored response
// is returned. A stale or corrupted entry is evicted and reported as
// a miss (spec.md §4.6 "Get", §8 testable properties 10 & 13).
func (c *Cache) Get(req *http.Request, uri string) (status int, header http.Header, body []byte, ok bool) {
	obj, found := c.lru.Get(uri)
	if !found {
		return 0, nil, nil, false
	}

	if !obj.policy.Fresh(req) {
		c.evict(uri, obj)
		return 0, nil, nil, false
	}

	if obj.target.isFile() {
		data, err := os.ReadFile(obj.target.filePath)
		if err != nil {
			log.Warn("failed to read cache file", zap.String("path", obj.target.filePath), zap.Error(err))
			c.evict(uri, obj)
			return 0, nil, nil, false
		}
		if sha256.Sum256(data) != obj.hash {
			log.Warn("cache file hash mismatch; evicting", zap.String("path", obj.target.filePath))
			c.evict(uri, obj)
			return 0, nil, nil, false
		}
		return obj.status, obj.header.Clone(), data, true
	}

	if sha256.Sum256(obj.target.onMemory) != obj.hash {
		log.Warn("in-memory cache hash mismatch; evicting", zap.String("uri", uri))
		c.evict(uri, obj)
		return 0, nil, nil, false
	}
	return obj.status, obj.header.Clone(), append([]byte(nil), obj.target.onMemory...), true
}

// evict removes uri from the LRU and deletes its backing file, if any.
func (c *Cache) evict(uri string, obj *object) {
	c.lru.Remove(uri)
	if obj.target.isFile() {
		if err := os.Remove(obj.target.filePath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove cache file during eviction", zap.String("path", obj.target.filePath), zap.Error(err))
		}
		c.fileMu.Lock()
		c.fileCnt--
		c.fileMu.Unlock()
	}
}

// Sweep deletes any file under the cache directory that no longer
// backs a live LRU entry — cleanup for the orphans Add's evictions
// leave behind. Intended to be called periodically by the supervisor
// (spec.md §4.10 "cache reaper").
func (c *Cache) Sweep() {
	live := make(map[string]struct{}, c.lru.Len())
	for _, uri := range c.lru.Keys() {
		obj, ok := c.lru.Peek(uri)
		if ok && obj.target.isFile() {
			live[filepath.Base(obj.target.filePath)] = struct{}{}
		}
	}

	entries, err := os.ReadDir(c.cfg.CacheDir)
	if err != nil {
		log.Warn("cache sweep: failed to list cache dir", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := live[entry.Name()]; ok {
			continue
		}
		path := filepath.Join(c.cfg.CacheDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("cache sweep: failed to remove orphaned file", zap.String("path", path), zap.Error(err))
			continue
		}
		c.fileMu.Lock()
		c.fileCnt--
		c.fileMu.Unlock()
		log.Debug("cache sweep: removed orphaned file", zap.String("path", path))
	}
}

// filenameForURI implements derive_filename_from_uri in
// cache_main.rs: URL_SAFE_NO_PAD(SHA-256(uri)).
func filenameForURI(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// ReadAll is a small helper forwarder.go-style callers use to
// aggregate a response body up to a bound before calling Put,
// mirroring the size check cache_main.rs performs incrementally
// while streaming.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(limited); err != nil {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, ErrTooLargeToCache
	}
	return buf.Bytes(), nil
}
