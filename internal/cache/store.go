package cache

import (
	"errors"
	"io"
	"time"
)

// MinValidSize 以内（含）的文件被视为尚未写完的占位文件，既不会被索引也不会被读出。
const MinValidSize int64 = 1

// Entry 描述一个已落盘的缓存条目。
type Entry struct {
	Key        string    `json:"key"`
	FilePath   string    `json:"file_path"`
	SizeBytes  int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
}

// ReadResult 组合 Entry 与正文 Reader，便于上层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Stats 汇总当前索引状态，供诊断接口输出。
type Stats struct {
	Entries    int           `json:"entries"`
	TotalBytes int64         `json:"total_bytes"`
	MaxBytes   int64         `json:"max_bytes"`
	MaxAge     time.Duration `json:"max_age"`
}

// EvictReason 标记条目被淘汰的原因。
type EvictReason string

const (
	EvictSize    EvictReason = "size"
	EvictAge     EvictReason = "age"
	EvictInvalid EvictReason = "invalid"
)

// ErrNotFound 表示缓存不存在，调用方应回源。
var ErrNotFound = errors.New("cache entry not found")

// ErrCacheWriteFailed 表示写入缓存失败；索引中不会留下该次写入的条目。
var ErrCacheWriteFailed = errors.New("cache write failed")

// ErrDirectoryLocked 表示缓存目录已被其他进程占用。
var ErrDirectoryLocked = errors.New("cache directory locked by another process")
