package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// DefaultBuckets 默认直方图分桶
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metric 指标快照
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     uint64            `json:"count,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func (h *histogram) observe(v float64) {
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.sum += v
	h.count++
}

type series struct {
	labels  map[string]string
	value   float64
	hist    *histogram
	updated time.Time
}

type family struct {
	name    string
	help    string
	typ     MetricType
	buckets []float64
	series  map[string]*series
}

// MetricsCollector 指标收集器
type MetricsCollector struct {
	mu       sync.RWMutex
	families map[string]*family

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		families:  make(map[string]*family),
		startTime: time.Now(),
	}
}

// Describe 声明指标的说明与类型，未声明的指标在首次写入时创建
func (mc *MetricsCollector) Describe(name string, typ MetricType, help string, buckets []float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	f := mc.familyLocked(name, typ, buckets)
	f.help = help
}

func (mc *MetricsCollector) familyLocked(name string, typ MetricType, buckets []float64) *family {
	f, ok := mc.families[name]
	if ok {
		return f
	}
	if typ == MetricTypeHistogram {
		if len(buckets) == 0 {
			buckets = DefaultBuckets
		}
		buckets = append([]float64(nil), buckets...)
		sort.Float64s(buckets)
	}
	f = &family{name: name, typ: typ, buckets: buckets, series: make(map[string]*series)}
	mc.families[name] = f
	return f
}

func (mc *MetricsCollector) seriesLocked(f *family, labels map[string]string) *series {
	key := labelKey(labels)
	s, ok := f.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		s = &series{labels: copied}
		if f.typ == MetricTypeHistogram {
			s.hist = &histogram{buckets: f.buckets, counts: make([]uint64, len(f.buckets))}
		}
		f.series[key] = s
	}
	return s
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	if value < 0 {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := mc.seriesLocked(mc.familyLocked(name, MetricTypeCounter, nil), labels)
	s.value += value
	s.updated = time.Now()
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := mc.seriesLocked(mc.familyLocked(name, MetricTypeGauge, nil), labels)
	s.value = value
	s.updated = time.Now()
}

// RecordHistogram 记录直方图，buckets只在首次创建时生效
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string, buckets []float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := mc.seriesLocked(mc.familyLocked(name, MetricTypeHistogram, buckets), labels)
	if s.hist == nil {
		return
	}
	s.hist.observe(value)
	s.updated = time.Now()
}

// Value 返回计数器或仪表的当前值，直方图返回观测次数
func (mc *MetricsCollector) Value(name string, labels map[string]string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	f, ok := mc.families[name]
	if !ok {
		return 0
	}
	s, ok := f.series[labelKey(labels)]
	if !ok {
		return 0
	}
	if s.hist != nil {
		return float64(s.hist.count)
	}
	return s.value
}

// GetAllMetrics 获取所有指标快照，按名称与标签排序
func (mc *MetricsCollector) GetAllMetrics() []Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var out []Metric
	for _, f := range mc.sortedFamilies() {
		for _, key := range sortedKeys(f.series) {
			s := f.series[key]
			m := Metric{
				Name:      f.name,
				Type:      f.typ,
				Value:     s.value,
				Labels:    s.labels,
				Timestamp: s.updated,
				Help:      f.help,
			}
			if s.hist != nil {
				m.Value = s.hist.sum
				m.Count = s.hist.count
			}
			out = append(out, m)
		}
	}
	return out
}

// ExportPrometheus 导出Prometheus文本格式
func (mc *MetricsCollector) ExportPrometheus() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var b strings.Builder
	for _, f := range mc.sortedFamilies() {
		if len(f.series) == 0 {
			continue
		}
		help := f.help
		if help == "" {
			help = fmt.Sprintf("Metric %s", f.name)
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", f.name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.typ)

		for _, key := range sortedKeys(f.series) {
			s := f.series[key]
			if s.hist == nil {
				fmt.Fprintf(&b, "%s%s %s\n", f.name, formatLabels(s.labels, "", ""), formatFloat(s.value))
				continue
			}
			for i, upper := range s.hist.buckets {
				fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, formatLabels(s.labels, "le", formatFloat(upper)), s.hist.counts[i])
			}
			fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, formatLabels(s.labels, "le", "+Inf"), s.hist.count)
			fmt.Fprintf(&b, "%s_sum%s %s\n", f.name, formatLabels(s.labels, "", ""), formatFloat(s.hist.sum))
			fmt.Fprintf(&b, "%s_count%s %d\n", f.name, formatLabels(s.labels, "", ""), s.hist.count)
		}
	}
	return b.String()
}

// ExportJSON 导出JSON格式
func (mc *MetricsCollector) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(mc.GetAllMetrics(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (mc *MetricsCollector) sortedFamilies() []*family {
	families := make([]*family, 0, len(mc.families))
	for _, f := range mc.families {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].name < families[j].name })
	return families
}

// Start 定期采集系统指标，直到ctx取消
func (mc *MetricsCollector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mc.collectSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.collectSystemMetrics()
		}
	}
}

// collectSystemMetrics 收集内存与协程指标
func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.SetGauge("memory_heap_alloc_bytes", float64(m.HeapAlloc), nil)
	mc.SetGauge("memory_heap_sys_bytes", float64(m.HeapSys), nil)
	mc.SetGauge("memory_gc_count", float64(m.NumGC), nil)
	mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
	mc.SetGauge("process_uptime_seconds", mc.GetUptime().Seconds(), nil)
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":        m.Alloc,
			"total_alloc":  m.TotalAlloc,
			"sys":          m.Sys,
			"heap_alloc":   m.HeapAlloc,
			"heap_inuse":   m.HeapInuse,
			"heap_objects": m.HeapObjects,
			"gc_count":     m.NumGC,
			"gc_pause_ns":  m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}

func sortedKeys(m map[string]*series) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// formatLabels 输出 {k="v",...}，extraKey非空时追加在末尾
func formatLabels(labels map[string]string, extraKey, extraValue string) string {
	if len(labels) == 0 && extraKey == "" {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, labelEscaper.Replace(labels[k])))
	}
	if extraKey != "" {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, extraKey, extraValue))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
