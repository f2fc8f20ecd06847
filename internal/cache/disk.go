package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const (
	indexFile       = "cache_index.cbor"
	payloadExt      = ".bin"
	maintenanceTick = 5 * time.Minute
)

// indexEncMode writes the metadata index with deterministic encoding so an
// unchanged index always produces the same bytes on disk
var indexEncMode cbor.EncMode

func init() {
	var err error
	indexEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
}

// DiskCache persists raw tile payloads across restarts.
// Payloads live under baseDir/{hash[:2]}/{hash}.bin where hash is the
// blake3 digest of the key; the metadata index is a CBOR file in baseDir.
type DiskCache struct {
	baseDir   string
	maxSize   int64
	currSize  atomic.Int64
	ttl       time.Duration
	mu        sync.RWMutex
	index     map[string]*PayloadMetadata
	dirty     atomic.Bool
	flushMu   sync.Mutex
	evictChan chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *slog.Logger
}

// PayloadMetadata stores information about a cached payload
type PayloadMetadata struct {
	Key        string    `cbor:"key"`
	Hash       string    `cbor:"hash"`
	Size       int64     `cbor:"size"`
	AccessTime time.Time `cbor:"accessTime"`
	CreateTime time.Time `cbor:"createTime"`
}

// NewDiskCache opens (or creates) a payload cache in baseDir.
// A ttl of zero keeps payloads until they are evicted for size.
func NewDiskCache(baseDir string, maxSizeMB int, ttl time.Duration, logger *slog.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &DiskCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		ttl:       ttl,
		index:     make(map[string]*PayloadMetadata),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger.With("component", "diskcache"),
	}

	if err := c.loadIndex(); err != nil {
		c.logger.Warn("cache index unreadable, rebuilding", "error", err)
		if err := c.rebuildIndex(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	c.wg.Add(1)
	go c.maintenanceWorker()

	return c, nil
}

// Get returns the payload cached under key
func (c *DiskCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	meta, exists := c.index[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if c.expired(meta, time.Now()) {
		c.remove(key)
		return nil, false
	}

	data, err := os.ReadFile(c.payloadPath(meta.Hash))
	if err != nil {
		c.remove(key)
		return nil, false
	}

	c.mu.Lock()
	meta.AccessTime = time.Now()
	c.mu.Unlock()
	c.dirty.Store(true)

	return data, true
}

// Set stores data under key, replacing any previous payload
func (c *DiskCache) Set(key string, data []byte) error {
	hash := hashKey(key)
	path := c.payloadPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// write then rename so readers never see a partial payload
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}

	now := time.Now()
	size := int64(len(data))

	c.mu.Lock()
	if old, ok := c.index[key]; ok {
		c.currSize.Add(-old.Size)
	}
	c.index[key] = &PayloadMetadata{
		Key:        key,
		Hash:       hash,
		Size:       size,
		AccessTime: now,
		CreateTime: now,
	}
	c.mu.Unlock()
	c.dirty.Store(true)

	if c.currSize.Add(size) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Delete removes the payload cached under key
func (c *DiskCache) Delete(key string) {
	c.remove(key)
}

func (c *DiskCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *DiskCache) removeLocked(key string) {
	meta, ok := c.index[key]
	if !ok {
		return
	}
	os.Remove(c.payloadPath(meta.Hash))
	delete(c.index, key)
	c.currSize.Add(-meta.Size)
	c.dirty.Store(true)
}

func (c *DiskCache) expired(meta *PayloadMetadata, now time.Time) bool {
	return c.ttl > 0 && now.Sub(meta.CreateTime) > c.ttl
}

// hashKey names payload files; keys are URLs and not safe as paths
func hashKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *DiskCache) payloadPath(hash string) string {
	return filepath.Join(c.baseDir, hash[:2], hash+payloadExt)
}

// maintenanceWorker runs size eviction on demand and TTL expiry periodically
func (c *DiskCache) maintenanceWorker() {
	defer c.wg.Done()
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.evictChan:
			c.evictOldest()
		case <-ticker.C:
			c.evictExpired()
			if err := c.flush(); err != nil {
				c.logger.Warn("failed to save cache index", "error", err)
			}
		}
	}
}

// evictOldest removes least recently used payloads down to 80% of the size bound
func (c *DiskCache) evictOldest() {
	c.mu.Lock()
	currSize := c.currSize.Load()
	if currSize <= c.maxSize {
		c.mu.Unlock()
		return
	}
	targetSize := c.maxSize * 8 / 10

	entries := make([]*PayloadMetadata, 0, len(c.index))
	for _, meta := range c.index {
		entries = append(entries, meta)
	}
	slices.SortFunc(entries, func(a, b *PayloadMetadata) int {
		return a.AccessTime.Compare(b.AccessTime)
	})

	evicted := 0
	for _, meta := range entries {
		if currSize <= targetSize {
			break
		}
		c.removeLocked(meta.Key)
		currSize -= meta.Size
		evicted++
	}
	c.mu.Unlock()

	c.logger.Debug("evicted payloads", "count", evicted, "size", currSize)
	if err := c.flush(); err != nil {
		c.logger.Warn("failed to save cache index", "error", err)
	}
}

// evictExpired removes payloads older than the TTL
func (c *DiskCache) evictExpired() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, meta := range c.index {
		if c.expired(meta, now) {
			c.removeLocked(key)
		}
	}
}

func (c *DiskCache) indexPath() string {
	return filepath.Join(c.baseDir, indexFile)
}

// loadIndex reads the metadata index from disk
func (c *DiskCache) loadIndex() error {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("metadata file not found")
		}
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var index map[string]*PayloadMetadata
	if err := cbor.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if index == nil {
		index = make(map[string]*PayloadMetadata)
	}

	var total int64
	for _, meta := range index {
		total += meta.Size
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	c.currSize.Store(total)
	return nil
}

// flush writes the index to disk if it changed since the last write
func (c *DiskCache) flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if !c.dirty.Swap(false) {
		return nil
	}

	c.mu.RLock()
	data, err := indexEncMode.Marshal(c.index)
	c.mu.RUnlock()
	if err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tempPath := c.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, c.indexPath()); err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}

// rebuildIndex starts from an empty index. Payload names are one way hashes
// so files without an index entry cannot be mapped back to keys and are removed.
func (c *DiskCache) rebuildIndex() error {
	err := filepath.WalkDir(c.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != payloadExt {
			return nil
		}
		os.Remove(path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	c.mu.Lock()
	c.index = make(map[string]*PayloadMetadata)
	c.mu.Unlock()
	c.currSize.Store(0)
	c.dirty.Store(true)
	return c.flush()
}

// Stats returns cache statistics
func (c *DiskCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index), c.currSize.Load(), c.maxSize
}

// Clear removes all cached payloads
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	for key := range c.index {
		c.removeLocked(key)
	}
	c.mu.Unlock()
	return c.flush()
}

// Path returns the base directory of the cache
func (c *DiskCache) Path() string {
	return c.baseDir
}

// Close stops the maintenance worker and saves the index
func (c *DiskCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return c.flush()
}
