package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Transaction 交易记录
type Transaction struct {
	Description string              `json:"description"`
	Amount      decimal.NullDecimal `json:"amount"`
	Category    string              `json:"category,omitempty"`
	CategoryID  int                 `json:"category_id,omitempty"`
}

// Result 批量分类结果
type Result struct {
	Description string              `json:"description"`
	Amount      decimal.NullDecimal `json:"amount"`
	Category    string              `json:"category"`
	Confidence  float64             `json:"confidence"`
}

var (
	ErrMissingDescription = errors.New("pipeline: csv has no description column")
	ErrEmptyInput         = errors.New("pipeline: csv has no header")
)

// RowError 指出出错的CSV行
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("pipeline: line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

var (
	transactionHeader = []string{"description", "amount", "category", "category_id"}
	resultHeader      = []string{"description", "amount", "category", "confidence"}
)

// ReadTransactions 读取带表头的CSV，description列必需，amount、category、category_id可选
func ReadTransactions(r io.Reader) ([]Transaction, error) {
	// UTF-8 BOM 或 UTF-16 BOM 都会被识别并去除
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	reader := csv.NewReader(transform.NewReader(r, decoder))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, seen := columns[name]; !seen {
			columns[name] = i
		}
	}
	descCol, ok := columns["description"]
	if !ok {
		return nil, ErrMissingDescription
	}
	amountCol, hasAmount := columns["amount"]
	categoryCol, hasCategory := columns["category"]
	idCol, hasID := columns["category_id"]

	field := func(record []string, idx int) string {
		if idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}

	var transactions []Transaction
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)

		txn := Transaction{Description: field(record, descCol)}
		if hasAmount {
			if raw := field(record, amountCol); raw != "" {
				amount, err := decimal.NewFromString(raw)
				if err != nil {
					return nil, &RowError{Line: line, Err: fmt.Errorf("invalid amount %q", raw)}
				}
				txn.Amount = decimal.NewNullDecimal(amount)
			}
		}
		if hasCategory {
			txn.Category = field(record, categoryCol)
		}
		if hasID {
			if raw := field(record, idCol); raw != "" {
				id, err := strconv.Atoi(raw)
				if err != nil {
					return nil, &RowError{Line: line, Err: fmt.Errorf("invalid category_id %q", raw)}
				}
				txn.CategoryID = id
			}
		}
		transactions = append(transactions, txn)
	}
	return transactions, nil
}

// ReadTransactionsFile 从文件读取交易
func ReadTransactionsFile(path string) ([]Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTransactions(f)
}

// WriteTransactions 写出带标签的交易
func WriteTransactions(w io.Writer, transactions []Transaction) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(transactionHeader); err != nil {
		return err
	}
	for _, txn := range transactions {
		record := []string{txn.Description, formatAmount(txn.Amount), txn.Category, strconv.Itoa(txn.CategoryID)}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteResults 写出分类结果
func WriteResults(w io.Writer, results []Result) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(resultHeader); err != nil {
		return err
	}
	for _, res := range results {
		record := []string{
			res.Description,
			formatAmount(res.Amount),
			res.Category,
			strconv.FormatFloat(res.Confidence, 'f', 4, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatAmount(amount decimal.NullDecimal) string {
	if !amount.Valid {
		return ""
	}
	return amount.Decimal.StringFixed(2)
}
