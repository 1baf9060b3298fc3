package pipeline

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGeneratorDeterministic(t *testing.T) {
	tax := testTaxonomy(t)
	a, err := NewGenerator(tax, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := NewGenerator(tax, 7)
	if !reflect.DeepEqual(a.Generate(50), b.Generate(50)) {
		t.Fatal("same seed produced different data")
	}
}

func TestGeneratorRows(t *testing.T) {
	tax := testTaxonomy(t)
	gen, _ := NewGenerator(tax, 1)

	low := decimal.NewFromInt(5)
	high := decimal.NewFromInt(500)
	for _, txn := range gen.Generate(500) {
		category, ok := tax.ByName(txn.Category)
		if !ok {
			t.Fatalf("unknown category %q", txn.Category)
		}
		if category.ID != txn.CategoryID {
			t.Fatalf("category id mismatch: %+v", txn)
		}
		matched := false
		for _, k := range category.Keywords {
			if strings.Contains(strings.ToUpper(txn.Description), k) {
				matched = true
			}
		}
		if !matched {
			t.Fatalf("description %q carries no keyword of %s", txn.Description, txn.Category)
		}
		if !txn.Amount.Valid || txn.Amount.Decimal.LessThan(low) || txn.Amount.Decimal.GreaterThan(high) {
			t.Fatalf("amount out of range: %+v", txn.Amount)
		}
		if txn.Amount.Decimal.Exponent() != -2 {
			t.Fatalf("amount not in cents: %s", txn.Amount.Decimal)
		}
	}
}

func TestGeneratorNeedsTaxonomy(t *testing.T) {
	if _, err := NewGenerator(nil, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerateFile(t *testing.T) {
	gen, _ := NewGenerator(testTaxonomy(t), 3)
	path := filepath.Join(t.TempDir(), "nested", "data", "transactions.csv")
	if err := gen.GenerateFile(path, 25); err != nil {
		t.Fatalf("generate: %v", err)
	}
	txns, err := ReadTransactionsFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(txns) != 25 {
		t.Fatalf("expected 25 rows, got %d", len(txns))
	}
	if err := gen.GenerateFile(path, 0); err == nil {
		t.Fatal("expected error for zero rows")
	}
}
