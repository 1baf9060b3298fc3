package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"txncat/ml"
	"txncat/taxonomy"
)

// CleaningRule 清洗规则，返回修正后的交易或拒绝原因
type CleaningRule interface {
	Apply(Transaction) (Transaction, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule        string    `json:"rule"`
	Severity    string    `json:"severity"` // low, medium, high
	Message     string    `json:"message"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

const maxIssues = 1000

var errMissingCategory = errors.New("missing category")

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules  []CleaningRule
	logger *zap.Logger

	mu     sync.RWMutex
	issues []QualityIssue
	stats  CleaningStats
}

// NewDataCleaner 创建数据清洗器，tax为nil时不校验类别
func NewDataCleaner(tax *taxonomy.Taxonomy, logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	dc := &DataCleaner{
		logger: logger,
		stats:  CleaningStats{Issues: make(map[string]int64)},
	}

	dc.AddRule(NewDescriptionRule())
	dc.AddRule(NewAmountRule())
	dc.AddRule(NewCategoryRule(tax))
	return dc
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗数据，第一条失败的规则即拒绝该行
func (dc *DataCleaner) Clean(transactions []Transaction) ([]Transaction, []QualityIssue) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	cleaned := make([]Transaction, 0, len(transactions))
	var issues []QualityIssue
	for _, original := range transactions {
		dc.stats.TotalProcessed++

		txn := original
		var rejected bool
		for _, rule := range dc.rules {
			next, err := rule.Apply(txn)
			if err != nil {
				issues = append(issues, QualityIssue{
					Rule:        rule.Name(),
					Severity:    "high",
					Message:     err.Error(),
					Description: original.Description,
					Timestamp:   time.Now(),
				})
				dc.stats.Issues[rule.Name()]++
				rejected = true
				break
			}
			txn = next
		}

		if rejected {
			dc.stats.Rejected++
			continue
		}
		if !sameTransaction(original, txn) {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, txn)
	}

	dc.issues = append(dc.issues, issues...)
	if len(dc.issues) > maxIssues {
		dc.issues = append([]QualityIssue(nil), dc.issues[len(dc.issues)-maxIssues:]...)
	}
	dc.stats.LastClean = time.Now()

	if len(issues) > 0 {
		dc.logger.Info("rejected transactions",
			zap.Int("rejected", len(transactions)-len(cleaned)),
			zap.Int("kept", len(cleaned)))
	}
	return cleaned, issues
}

func sameTransaction(a, b Transaction) bool {
	if a.Description != b.Description || a.Category != b.Category || a.CategoryID != b.CategoryID {
		return false
	}
	if a.Amount.Valid != b.Amount.Valid {
		return false
	}
	return !a.Amount.Valid || a.Amount.Decimal.Equal(b.Amount.Decimal)
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取最近的问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}
	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.issues = nil
}

// ============ 清洗规则实现 ============

// DescriptionRule 描述校验：归一化后为空的行无法训练
type DescriptionRule struct{}

func NewDescriptionRule() *DescriptionRule {
	return &DescriptionRule{}
}

func (r *DescriptionRule) Name() string {
	return "description_validation"
}

func (r *DescriptionRule) Apply(txn Transaction) (Transaction, error) {
	txn.Description = strings.TrimSpace(txn.Description)
	if ml.Normalize(txn.Description) == "" {
		return txn, fmt.Errorf("description %q has no words", txn.Description)
	}
	return txn, nil
}

// AmountRule 金额校验，缺失金额允许通过
type AmountRule struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func NewAmountRule() *AmountRule {
	return &AmountRule{
		Min: decimal.Zero,
		Max: decimal.NewFromInt(1_000_000),
	}
}

func (r *AmountRule) Name() string {
	return "amount_validation"
}

func (r *AmountRule) Apply(txn Transaction) (Transaction, error) {
	if !txn.Amount.Valid {
		return txn, nil
	}
	amount := txn.Amount.Decimal
	if amount.LessThan(r.Min) || amount.GreaterThan(r.Max) {
		return txn, fmt.Errorf("amount %s out of range [%s, %s]", amount, r.Min, r.Max)
	}
	txn.Amount = decimal.NewNullDecimal(amount.Round(2))
	return txn, nil
}

// CategoryRule 类别校验：必须有标签，给定类别表时标签须在表中
type CategoryRule struct {
	taxonomy *taxonomy.Taxonomy
}

func NewCategoryRule(tax *taxonomy.Taxonomy) *CategoryRule {
	return &CategoryRule{taxonomy: tax}
}

func (r *CategoryRule) Name() string {
	return "category_validation"
}

func (r *CategoryRule) Apply(txn Transaction) (Transaction, error) {
	txn.Category = strings.TrimSpace(txn.Category)
	if txn.Category == "" {
		return txn, errMissingCategory
	}
	if r.taxonomy != nil && !r.taxonomy.Contains(txn.Category) {
		return txn, fmt.Errorf("unknown category %q", txn.Category)
	}
	return txn, nil
}
