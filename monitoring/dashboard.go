package monitoring

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"txncat/ml"
	"txncat/serving"
)

// RecentPrediction 最近一次分类
type RecentPrediction struct {
	RequestID   string    `json:"request_id,omitempty"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	ArtifactID  string    `json:"artifact_id"`
	Batch       bool      `json:"batch"`
	Timestamp   time.Time `json:"timestamp"`
}

// CategoryCount 类别计数
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// ModelStatus 当前模型信息
type ModelStatus struct {
	Loaded         bool      `json:"loaded"`
	ArtifactID     string    `json:"artifact_id,omitempty"`
	Labels         []string  `json:"labels,omitempty"`
	VocabularySize int       `json:"vocabulary_size,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	SwappedAt      time.Time `json:"swapped_at,omitempty"`
}

// DashboardSnapshot 仪表盘快照
type DashboardSnapshot struct {
	Timestamp          time.Time          `json:"timestamp"`
	TotalPredictions   int64              `json:"total_predictions"`
	AverageConfidence  float64            `json:"average_confidence"`
	LowConfidenceCount int64              `json:"low_confidence_count"`
	FeedbackCount      int64              `json:"feedback_count"`
	Categories         []CategoryCount    `json:"categories"`
	Recent             []RecentPrediction `json:"recent"`
	Model              ModelStatus        `json:"model"`
	Realtime           *MonitorStats      `json:"realtime,omitempty"`
}

// DashboardManager 仪表盘状态：最近分类的环形缓冲与汇总统计
type DashboardManager struct {
	mu sync.RWMutex

	recent       []RecentPrediction
	next         int
	filled       bool
	categories   map[string]int64
	total        int64
	sumConf      float64
	lowConf      int64
	lowThreshold float64
	feedback     int64
	model        ModelStatus

	monitor *RealtimeMonitor
	logger  *zap.Logger
}

// NewDashboardManager 创建仪表盘，capacity为保留的最近分类条数
func NewDashboardManager(capacity int, lowConfidence float64, monitor *RealtimeMonitor, logger *zap.Logger) *DashboardManager {
	if capacity <= 0 {
		capacity = 100
	}
	if lowConfidence <= 0 || lowConfidence >= 1 {
		lowConfidence = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardManager{
		recent:       make([]RecentPrediction, capacity),
		categories:   make(map[string]int64),
		lowThreshold: lowConfidence,
		monitor:      monitor,
		logger:       logger,
	}
}

// ObservePrediction 记录分类并推送给实时客户端
func (dm *DashboardManager) ObservePrediction(e serving.PredictionEvent) {
	entry := RecentPrediction{
		RequestID:   e.RequestID,
		Description: e.Description,
		Category:    e.Category,
		Confidence:  e.Confidence,
		ArtifactID:  e.ArtifactID,
		Batch:       e.Batch,
		Timestamp:   e.Time,
	}

	dm.mu.Lock()
	dm.recent[dm.next] = entry
	dm.next = (dm.next + 1) % len(dm.recent)
	if dm.next == 0 {
		dm.filled = true
	}
	dm.categories[e.Category]++
	dm.total++
	dm.sumConf += e.Confidence
	if e.Confidence < dm.lowThreshold {
		dm.lowConf++
	}
	dm.mu.Unlock()

	if dm.monitor != nil && dm.monitor.isRunning() {
		if err := dm.monitor.SendPrediction(PredictionMessage(entry)); err != nil {
			dm.logger.Debug("push prediction failed", zap.Error(err))
		}
	}
}

// ObserveModelSwap 更新当前模型
func (dm *DashboardManager) ObserveModelSwap(info ml.Info) {
	dm.mu.Lock()
	dm.model = ModelStatus{
		Loaded:         true,
		ArtifactID:     info.ID,
		Labels:         append([]string(nil), info.Labels...),
		VocabularySize: info.VocabularySize,
		CreatedAt:      info.CreatedAt,
		SwappedAt:      time.Now(),
	}
	dm.mu.Unlock()

	if dm.monitor != nil && dm.monitor.isRunning() {
		err := dm.monitor.SendModelSwap(ModelSwapMessage{
			ArtifactID:     info.ID,
			Labels:         info.Labels,
			VocabularySize: info.VocabularySize,
			CreatedAt:      info.CreatedAt,
		})
		if err != nil {
			dm.logger.Debug("push model swap failed", zap.Error(err))
		}
	}
}

// RecordFeedback 记录反馈并推送
func (dm *DashboardManager) RecordFeedback(msg FeedbackMessage) {
	dm.mu.Lock()
	dm.feedback++
	dm.mu.Unlock()

	if dm.monitor != nil && dm.monitor.isRunning() {
		if err := dm.monitor.SendFeedback(msg); err != nil {
			dm.logger.Debug("push feedback failed", zap.Error(err))
		}
	}
}

// Recent 返回最近的分类，最新的在前
func (dm *DashboardManager) Recent(limit int) []RecentPrediction {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return dm.recentLocked(limit)
}

func (dm *DashboardManager) recentLocked(limit int) []RecentPrediction {
	size := dm.next
	if dm.filled {
		size = len(dm.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]RecentPrediction, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (dm.next - i + len(dm.recent)) % len(dm.recent)
		out = append(out, dm.recent[idx])
	}
	return out
}

// GetSnapshot 获取快照，类别按数量降序
func (dm *DashboardManager) GetSnapshot() DashboardSnapshot {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	categories := make([]CategoryCount, 0, len(dm.categories))
	for name, count := range dm.categories {
		categories = append(categories, CategoryCount{Category: name, Count: count})
	}
	sort.Slice(categories, func(i, j int) bool {
		if categories[i].Count != categories[j].Count {
			return categories[i].Count > categories[j].Count
		}
		return categories[i].Category < categories[j].Category
	})

	snapshot := DashboardSnapshot{
		Timestamp:          time.Now(),
		TotalPredictions:   dm.total,
		LowConfidenceCount: dm.lowConf,
		FeedbackCount:      dm.feedback,
		Categories:         categories,
		Recent:             dm.recentLocked(0),
		Model:              dm.model,
	}
	snapshot.Model.Labels = append([]string(nil), dm.model.Labels...)
	if dm.total > 0 {
		snapshot.AverageConfidence = dm.sumConf / float64(dm.total)
	}
	if dm.monitor != nil {
		stats := dm.monitor.GetStats()
		snapshot.Realtime = &stats
	}
	return snapshot
}

func (dm *DashboardManager) MarshalJSON() ([]byte, error) {
	return json.Marshal(dm.GetSnapshot())
}

var _ serving.Observer = (*DashboardManager)(nil)
