package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker 使用 DDSketch 按操作名记录延迟分位数（毫秒）。
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// LatencyStats 是单个操作的分位数快照。
type LatencyStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// NewLatencyTracker relativeAccuracy 为分位数相对误差，如 0.01 表示 1%。
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record 记录 operation 的一次耗时。
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(0.01)
		}
		lt.sketches[operation] = sketch
	}
	// DDSketch 只接受非负值。
	if duration < 0 {
		duration = 0
	}
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Stats 返回 operation 的统计；没有数据时返回错误。
func (lt *LatencyTracker) Stats(operation string) (LatencyStats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return LatencyStats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return statsOf(operation, sketch), nil
}

// Snapshot 返回全部操作的统计，按操作名排序。
func (lt *LatencyTracker) Snapshot() []LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]LatencyStats, 0, len(lt.sketches))
	for operation, sketch := range lt.sketches {
		stats = append(stats, statsOf(operation, sketch))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

func statsOf(operation string, sketch *ddsketch.DDSketch) LatencyStats {
	count := sketch.GetCount()
	if count == 0 {
		return LatencyStats{Operation: operation}
	}
	minValue, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	maxValue, _ := sketch.GetMaxValue()
	return LatencyStats{
		Operation: operation,
		Count:     int64(count),
		Min:       minValue,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       maxValue,
	}
}

func (s LatencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
