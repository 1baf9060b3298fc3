package pipeline

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"txncat/taxonomy"
)

// 模拟银行流水中常见的商户描述噪声
var noiseTemplates = []func(string) string{
	strings.ToUpper,
	strings.ToLower,
	func(k string) string { return "POS " + k + " 1234" },
	func(k string) string { return "PAYPAL *" + k },
	func(k string) string { return k + " STORE NY" },
	func(k string) string { return k + " #12345" },
	func(k string) string { return "TST* " + k },
	func(k string) string { return "SQ *" + k },
	func(k string) string { return "AMZN Mktp " + k },
	func(k string) string { return k + " .COM" },
	func(k string) string { return "CHECKCARD " + k },
	func(k string) string { return k },
}

const (
	minAmountCents = 500
	maxAmountCents = 50000
)

// Generator 合成交易数据生成器，相同种子产生相同数据
type Generator struct {
	categories []taxonomy.Category
	rnd        *rand.Rand
}

// NewGenerator 创建生成器
func NewGenerator(tax *taxonomy.Taxonomy, seed uint64) (*Generator, error) {
	if tax == nil || tax.Len() == 0 {
		return nil, errors.New("pipeline: generator needs a taxonomy")
	}
	return &Generator{
		categories: tax.Categories(),
		rnd:        rand.New(rand.NewPCG(seed, seed+1)),
	}, nil
}

// Next 生成一条交易
func (g *Generator) Next() Transaction {
	category := g.categories[g.rnd.IntN(len(g.categories))]
	keyword := category.Keywords[g.rnd.IntN(len(category.Keywords))]
	template := noiseTemplates[g.rnd.IntN(len(noiseTemplates))]

	cents := minAmountCents + g.rnd.Int64N(maxAmountCents-minAmountCents+1)
	return Transaction{
		Description: template(keyword),
		Amount:      decimal.NewNullDecimal(decimal.New(cents, -2)),
		Category:    category.Name,
		CategoryID:  category.ID,
	}
}

// Generate 生成n条交易
func (g *Generator) Generate(n int) []Transaction {
	out := make([]Transaction, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// GenerateFile 生成n条交易并写入CSV，自动创建父目录
func (g *Generator) GenerateFile(path string, n int) error {
	if n <= 0 {
		return fmt.Errorf("pipeline: sample count must be positive, got %d", n)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTransactions(f, g.Generate(n)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
