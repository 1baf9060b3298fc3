package monitoring

import (
	"txncat/ml"
	"txncat/serving"
)

const (
	MetricPredictions       = "predictions_total"
	MetricPredictionLatency = "prediction_latency_seconds"
	MetricConfidence        = "prediction_confidence"
	MetricCacheHits         = "prediction_cache_hits_total"
	MetricModelReloads      = "model_reloads_total"
	MetricModelReloadErrors = "model_reload_failures_total"
	MetricVocabularySize    = "model_vocabulary_size"
	MetricFeedback          = "feedback_total"
	MetricInputCoercions    = "input_coercions_total"
)

var confidenceBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1}

// PredictionMetrics 把分类事件写入指标收集器
type PredictionMetrics struct {
	collector *MetricsCollector
}

// NewPredictionMetrics 创建并声明分类相关的指标
func NewPredictionMetrics(collector *MetricsCollector) *PredictionMetrics {
	collector.Describe(MetricPredictions, MetricTypeCounter, "Predictions served by category", nil)
	collector.Describe(MetricPredictionLatency, MetricTypeHistogram, "Prediction latency in seconds", DefaultBuckets)
	collector.Describe(MetricConfidence, MetricTypeHistogram, "Confidence of served predictions", confidenceBuckets)
	collector.Describe(MetricCacheHits, MetricTypeCounter, "Predictions answered from the cache", nil)
	collector.Describe(MetricModelReloads, MetricTypeCounter, "Model artifacts swapped in", nil)
	collector.Describe(MetricModelReloadErrors, MetricTypeCounter, "Model reload attempts that failed", nil)
	collector.Describe(MetricVocabularySize, MetricTypeGauge, "Vocabulary size of the live model", nil)
	collector.Describe(MetricFeedback, MetricTypeCounter, "Feedback corrections received by category", nil)
	collector.Describe(MetricInputCoercions, MetricTypeCounter, "Non-string inputs coerced to empty text", nil)
	return &PredictionMetrics{collector: collector}
}

func (pm *PredictionMetrics) Collector() *MetricsCollector {
	return pm.collector
}

// ObservePrediction 记录一次分类
func (pm *PredictionMetrics) ObservePrediction(e serving.PredictionEvent) {
	labels := map[string]string{"category": e.Category}
	pm.collector.IncrCounter(MetricPredictions, 1, labels)
	pm.collector.RecordHistogram(MetricPredictionLatency, e.Latency.Seconds(), nil, DefaultBuckets)
	pm.collector.RecordHistogram(MetricConfidence, e.Confidence, nil, confidenceBuckets)
	if e.Cached {
		pm.collector.IncrCounter(MetricCacheHits, 1, nil)
	}
}

// ObserveModelSwap 记录模型切换
func (pm *PredictionMetrics) ObserveModelSwap(info ml.Info) {
	pm.collector.IncrCounter(MetricModelReloads, 1, nil)
	pm.collector.SetGauge(MetricVocabularySize, float64(info.VocabularySize), nil)
}

// RecordReload 记录由文件变更触发的重载结果，成功的由ObserveModelSwap计数
func (pm *PredictionMetrics) RecordReload(err error) {
	if err != nil {
		pm.collector.IncrCounter(MetricModelReloadErrors, 1, nil)
	}
}

func (pm *PredictionMetrics) RecordFeedback(category string) {
	pm.collector.IncrCounter(MetricFeedback, 1, map[string]string{"category": category})
}

// RecordInputCoercion 记录被强制转换为空文本的非字符串输入
func (pm *PredictionMetrics) RecordInputCoercion(field string) {
	pm.collector.IncrCounter(MetricInputCoercions, 1, map[string]string{"field": field})
}

var _ serving.Observer = (*PredictionMetrics)(nil)
