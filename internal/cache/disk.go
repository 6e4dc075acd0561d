package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/sirupsen/logrus"
)

const (
	lockFileName   = ".lock"
	tempFilePrefix = ".cache-"
	// 多数文件系统的单个文件名上限为 255 字节。
	maxFileNameLen = 255
)

// Options 描述磁盘缓存的容量、时效与观测钩子。
type Options struct {
	Dir      string
	MaxBytes int64
	// MaxAge 为 0 时不做按时间淘汰。
	MaxAge  time.Duration
	Logger  *logrus.Logger
	Now     func() time.Time
	OnEvict func(entry Entry, reason EvictReason)
}

// DiskCache 是一个按总字节数与最后访问时间约束的键 → 文件缓存。
// 索引的增删全部在 mu 保护下进行，文件读写本身并发执行。
type DiskCache struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	logger   *logrus.Logger
	now      func() time.Time
	onEvict  func(Entry, EvictReason)

	mu    sync.Mutex
	index *simplelru.LRU // key -> *Entry，最久未访问的在队尾
	total int64

	locksMu sync.Mutex
	locks   map[string]*entryLock

	dirLock *flock.Flock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type eviction struct {
	entry      Entry
	reason     EvictReason
	removeFile bool
}

// New 构建磁盘缓存实例，不触碰磁盘；使用前必须调用一次 Init。
func New(opts Options) (*DiskCache, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("invalid cache max bytes: %d", opts.MaxBytes)
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("invalid cache max age: %s", opts.MaxAge)
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	// 条目数量不设上限，容量完全由字节数与时间约束。
	index, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &DiskCache{
		dir:      abs,
		maxBytes: opts.MaxBytes,
		maxAge:   opts.MaxAge,
		logger:   logger,
		now:      now,
		onEvict:  opts.OnEvict,
		index:    index,
		locks:    make(map[string]*entryLock),
	}, nil
}

// Dir 返回缓存目录的绝对路径。
func (c *DiskCache) Dir() string {
	return c.dir
}

// Init 创建缓存目录、获取目录锁并从磁盘重建索引。
func (c *DiskCache) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(c.dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock cache dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDirectoryLocked, c.dir)
	}
	c.dirLock = lock

	if err := c.Reset(); err != nil {
		_ = lock.Unlock()
		c.dirLock = nil
		return err
	}
	return nil
}

// Close 释放目录锁，索引与文件保持不变。
func (c *DiskCache) Close() error {
	if c.dirLock == nil {
		return nil
	}
	err := c.dirLock.Unlock()
	c.dirLock = nil
	return err
}

// Reset 丢弃内存索引并重新扫描缓存目录；目录不存在时会被创建。
func (c *DiskCache) Reset() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}

	found := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") || !de.Type().IsRegular() {
			continue
		}
		key, ok := decodeKey(name)
		if !ok {
			c.logger.WithFields(logrus.Fields{"action": "cache_reset", "file": name}).Debug("skip foreign file")
			continue
		}
		info, err := de.Info()
		if err != nil || info.Size() <= MinValidSize {
			continue
		}
		found = append(found, Entry{
			Key:        key,
			FilePath:   filepath.Join(c.dir, name),
			SizeBytes:  info.Size(),
			LastAccess: info.ModTime(),
		})
	}

	// 按 mtime 升序插入，使最久未访问的条目位于 LRU 队尾。
	sort.Slice(found, func(i, j int) bool {
		return found[i].LastAccess.Before(found[j].LastAccess)
	})

	c.mu.Lock()
	c.index.Purge()
	c.total = 0
	for i := range found {
		entry := found[i]
		c.index.Add(entry.Key, &entry)
		c.total += entry.SizeBytes
	}
	victims := c.evictLocked()
	entries, total := c.index.Len(), c.total
	c.mu.Unlock()

	c.removeVictims(victims)

	c.logger.WithFields(logrus.Fields{
		"action":      "cache_reset",
		"dir":         c.dir,
		"entries":     entries,
		"total_bytes": total,
		"evicted":     len(victims),
	}).Info("cache index rebuilt")
	return nil
}

// Has 判断 key 是否存在有效缓存。未被索引但磁盘上存在有效文件时会被纳入索引。
func (c *DiskCache) Has(key string) bool {
	path, err := c.entryPath(key)
	if err != nil {
		return false
	}

	info, statErr := os.Stat(path)
	valid := statErr == nil && info.Mode().IsRegular() && info.Size() > MinValidSize
	now := c.now()

	var victims []eviction
	present := false

	c.mu.Lock()
	value, indexed := c.index.Get(key)
	switch {
	case indexed && !valid:
		entry := value.(*Entry)
		c.dropLocked(entry)
		victims = append(victims, eviction{entry: *entry, reason: EvictInvalid})
	case indexed:
		entry := value.(*Entry)
		if c.expiredLocked(entry, now) {
			c.dropLocked(entry)
			victims = append(victims, eviction{entry: *entry, reason: EvictAge, removeFile: true})
			break
		}
		entry.LastAccess = now
		if info.Size() != entry.SizeBytes {
			c.total += info.Size() - entry.SizeBytes
			entry.SizeBytes = info.Size()
			victims = c.evictLocked()
			present = c.index.Contains(key)
			break
		}
		present = true
	case valid:
		entry := &Entry{Key: key, FilePath: path, SizeBytes: info.Size(), LastAccess: now}
		c.index.Add(key, entry)
		c.total += entry.SizeBytes
		victims = c.evictLocked()
		present = c.index.Contains(key)
	}
	c.mu.Unlock()

	c.removeVictims(victims)
	return present
}

// Get 打开缓存文件供顺序读取；key 不存在时返回 ErrNotFound。
func (c *DiskCache) Get(ctx context.Context, key string) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !c.Has(key) {
		return nil, ErrNotFound
	}

	path, err := c.entryPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.forget(key)
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() <= MinValidSize {
		f.Close()
		c.forget(key)
		return nil, ErrNotFound
	}

	now := c.now()
	// 持久化访问时间，重启后 Reset 依据 mtime 还原 LRU 顺序。
	if err := os.Chtimes(path, now, now); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("cache_touch_failed")
	}

	return &ReadResult{
		Entry: Entry{
			Key:        key,
			FilePath:   path,
			SizeBytes:  info.Size(),
			LastAccess: now,
		},
		Reader: f,
	}, nil
}

// Set 将 body 完整写入 key 对应的文件并更新索引，随后同步执行淘汰。
// 同一个 key 的并发写入会被串行化。
func (c *DiskCache) Set(ctx context.Context, key string, body io.Reader) (*Entry, error) {
	path, err := c.entryPath(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)
	}

	unlock := c.lockEntry(key)
	entry, err := c.write(ctx, key, path, body)
	var victims []eviction
	if err == nil {
		// 索引持有自己的副本，之后只能在 c.mu 下修改。
		indexed := entry
		victims = c.admit(&indexed)
	}
	unlock()

	c.removeVictims(victims)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"action":     "cache_set",
		"key":        key,
		"size_bytes": entry.SizeBytes,
		"evicted":    len(victims),
	}).Debug("cache entry stored")
	return &entry, nil
}

// Remove 删除 key 的索引与文件，文件不存在不视为错误。
func (c *DiskCache) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := c.entryPath(key)
	if err != nil {
		return err
	}

	unlock := c.lockEntry(key)
	defer unlock()

	c.forget(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Stats 返回当前索引的快照。
func (c *DiskCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    c.index.Len(),
		TotalBytes: c.total,
		MaxBytes:   c.maxBytes,
		MaxAge:     c.maxAge,
	}
}

func (c *DiskCache) write(ctx context.Context, key, path string, body io.Reader) (Entry, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)
	}

	tempFile, err := os.CreateTemp(c.dir, tempFilePrefix+"*")
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)
	}
	tempName := tempFile.Name()

	// 多读一个字节用于判断是否超出缓存总容量。
	written, err := copyWithContext(ctx, tempFile, io.LimitReader(body, c.maxBytes+1))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written <= MinValidSize {
		err = fmt.Errorf("payload of %d bytes is below validity threshold", written)
	}
	if err == nil && written > c.maxBytes {
		err = fmt.Errorf("payload exceeds cache capacity of %d bytes", c.maxBytes)
	}
	if err != nil {
		os.Remove(tempName)
		return Entry{}, fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return Entry{}, fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)
	}

	return Entry{
		Key:        key,
		FilePath:   path,
		SizeBytes:  written,
		LastAccess: c.now(),
	}, nil
}

func (c *DiskCache) admit(entry *Entry) []eviction {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.index.Peek(entry.Key); ok {
		c.total -= old.(*Entry).SizeBytes
	}
	c.index.Add(entry.Key, entry)
	c.total += entry.SizeBytes
	return c.evictLocked()
}

func (c *DiskCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.index.Peek(key); ok {
		c.dropLocked(value.(*Entry))
	}
}

func (c *DiskCache) dropLocked(entry *Entry) {
	if c.index.Remove(entry.Key) {
		c.total -= entry.SizeBytes
	}
}

func (c *DiskCache) expiredLocked(entry *Entry, now time.Time) bool {
	return c.maxAge > 0 && now.Sub(entry.LastAccess) > c.maxAge
}

// evictLocked 先淘汰过期条目，再按 LRU 顺序淘汰直到总量不超过 maxBytes。
func (c *DiskCache) evictLocked() []eviction {
	var victims []eviction
	now := c.now()

	for c.maxAge > 0 {
		_, value, ok := c.index.GetOldest()
		if !ok {
			break
		}
		entry := value.(*Entry)
		if !c.expiredLocked(entry, now) {
			break
		}
		c.dropLocked(entry)
		victims = append(victims, eviction{entry: *entry, reason: EvictAge, removeFile: true})
	}

	for c.total > c.maxBytes {
		_, value, ok := c.index.GetOldest()
		if !ok {
			break
		}
		entry := value.(*Entry)
		c.dropLocked(entry)
		victims = append(victims, eviction{entry: *entry, reason: EvictSize, removeFile: true})
	}
	return victims
}

// removeVictims 在索引锁之外删除被淘汰的文件。若该 key 正在被写入，
// 新文件会通过 rename 覆盖旧文件，此处跳过删除。
func (c *DiskCache) removeVictims(victims []eviction) {
	for _, victim := range victims {
		if victim.removeFile {
			c.removeEvictedFile(victim.entry)
		}
		c.logger.WithFields(logrus.Fields{
			"action":     "cache_evict",
			"key":        victim.entry.Key,
			"size_bytes": victim.entry.SizeBytes,
			"reason":     string(victim.reason),
		}).Debug("cache entry evicted")
		if c.onEvict != nil {
			c.onEvict(victim.entry, victim.reason)
		}
	}
}

func (c *DiskCache) removeEvictedFile(entry Entry) {
	unlock, ok := c.tryLockEntry(entry.Key)
	if !ok {
		return
	}
	defer unlock()

	c.mu.Lock()
	readmitted := c.index.Contains(entry.Key)
	c.mu.Unlock()
	if readmitted {
		return
	}

	if err := os.Remove(entry.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_evict",
			"key":    entry.Key,
			"file":   entry.FilePath,
		}).Warn("cache_evict_remove_failed")
	}
}

func (c *DiskCache) acquireEntry(key string) (*entryLock, func()) {
	c.locksMu.Lock()
	lock := c.locks[key]
	if lock == nil {
		lock = &entryLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.locksMu.Unlock()

	return lock, func() {
		c.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, key)
		}
		c.locksMu.Unlock()
	}
}

func (c *DiskCache) lockEntry(key string) func() {
	lock, release := c.acquireEntry(key)
	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		release()
	}
}

func (c *DiskCache) tryLockEntry(key string) (func(), bool) {
	lock, release := c.acquireEntry(key)
	if !lock.mu.TryLock() {
		release()
		return nil, false
	}
	return func() {
		lock.mu.Unlock()
		release()
	}, true
}

func (c *DiskCache) entryPath(key string) (string, error) {
	if key == "" {
		return "", errors.New("cache key required")
	}
	name := encodeKey(key)
	if len(name) > maxFileNameLen {
		return "", fmt.Errorf("cache key too long: %d bytes", len(key))
	}
	return filepath.Join(c.dir, name), nil
}

// encodeKey 使用 base64url（无填充）得到可逆且不冲突的文件名。
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	key := string(raw)
	if encodeKey(key) != name {
		return "", false
	}
	return key, true
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
