// Package journal exports the engine's execution history to Parquet files
// for offline audit and analysis. The journal is derived data: the SQLite
// state store stays authoritative, and an export can be re-run at any time.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"helmsman/internal/domain"
	"helmsman/internal/store"
)

// Journal writes audit records under a directory tree:
//
//	<Dir>/orders/<YYYY-MM-DD>.parquet
//	<Dir>/fills/<YYYY-MM-DD>.parquet
//	<Dir>/commands/<YYYY-MM-DD>.parquet
//
// Files are partitioned by the record's own timestamp, and exports merge
// into existing files so repeated runs never duplicate rows.
type Journal struct {
	Dir string
}

// New creates a Journal rooted at the given directory.
func New(dir string) *Journal {
	return &Journal{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// Prices and quantities are stored as decimal strings to keep the exact
// values the engine persisted.

// OrderRecord is the Parquet schema for order history.
type OrderRecord struct {
	ID             string `parquet:"id"`
	BrokerOrderID  string `parquet:"broker_order_id"`
	Symbol         string `parquet:"symbol"`
	Side           string `parquet:"side"`
	Type           string `parquet:"type"`
	Qty            string `parquet:"qty"`
	TimeInForce    string `parquet:"time_in_force"`
	LimitPrice     string `parquet:"limit_price"`
	StopPrice      string `parquet:"stop_price"`
	TrailPercent   string `parquet:"trail_percent"`
	Status         string `parquet:"status"`
	FilledQty      string `parquet:"filled_qty"`
	FilledAvgPrice string `parquet:"filled_avg_price"`
	Source         string `parquet:"source"`
	CreatedAt      int64  `parquet:"created_at,timestamp(millisecond)"`
	UpdatedAt      int64  `parquet:"updated_at,timestamp(millisecond)"`
}

// FillRecord is the Parquet schema for execution history.
type FillRecord struct {
	OrderID    string `parquet:"order_id"`
	SequenceNo int64  `parquet:"sequence_no"`
	Symbol     string `parquet:"symbol"`
	Side       string `parquet:"side"`
	Qty        string `parquet:"qty"`
	Price      string `parquet:"price"`
	FilledAt   int64  `parquet:"filled_at,timestamp(millisecond)"`
}

// CommandRecord is the Parquet schema for operator command history.
type CommandRecord struct {
	ID          string `parquet:"id"`
	Kind        string `parquet:"kind"`
	Payload     string `parquet:"payload"`
	Status      string `parquet:"status"`
	Result      string `parquet:"result"`
	Error       string `parquet:"error"`
	SubmittedAt int64  `parquet:"submitted_at,timestamp(millisecond)"`
	UpdatedAt   int64  `parquet:"updated_at,timestamp(millisecond)"`
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

// exportCommandLimit bounds how much command history a single export pulls.
const exportCommandLimit = 10000

// Export snapshots the full order, fill, and command history from the state
// store into the journal tree.
func (j *Journal) Export(ctx context.Context, st store.StateStore) error {
	orders, err := st.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		return fmt.Errorf("listing orders: %w", err)
	}
	if err := j.WriteOrders(orders); err != nil {
		return err
	}

	var fills []domain.Fill
	for i := range orders {
		fs, err := st.ListFills(ctx, orders[i].ID)
		if err != nil {
			return fmt.Errorf("listing fills for %s: %w", orders[i].ID, err)
		}
		fills = append(fills, fs...)
	}
	if err := j.WriteFills(fills); err != nil {
		return err
	}

	commands, err := st.ListCommands(ctx, exportCommandLimit)
	if err != nil {
		return fmt.Errorf("listing commands: %w", err)
	}
	return j.WriteCommands(commands)
}

// WriteOrders merges the given orders into the journal, partitioned by
// creation date.
func (j *Journal) WriteOrders(orders []domain.Order) error {
	groups := make(map[string][]OrderRecord)
	for i := range orders {
		o := &orders[i]
		date := o.CreatedAt.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], OrderRecord{
			ID:             o.ID,
			BrokerOrderID:  o.BrokerOrderID,
			Symbol:         o.Symbol,
			Side:           string(o.Side),
			Type:           string(o.Type),
			Qty:            o.Qty.String(),
			TimeInForce:    string(o.TimeInForce),
			LimitPrice:     decString(o.LimitPrice),
			StopPrice:      decString(o.StopPrice),
			TrailPercent:   decString(o.TrailPercent),
			Status:         string(o.Status),
			FilledQty:      o.FilledQty.String(),
			FilledAvgPrice: decString(o.FilledAvgPrice),
			Source:         o.Source,
			CreatedAt:      o.CreatedAt.UnixMilli(),
			UpdatedAt:      o.LastBrokerUpdateAt.UnixMilli(),
		})
	}

	for date, records := range groups {
		path := j.path("orders", date)
		existing, _ := readParquetFile[OrderRecord](path)
		merged := mergeRecords(existing, records,
			func(r OrderRecord) string { return r.ID },
			func(a, b OrderRecord) bool { return a.CreatedAt < b.CreatedAt })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing orders for %s: %w", date, err)
		}
	}
	return nil
}

// WriteFills merges the given fills into the journal, partitioned by fill
// date.
func (j *Journal) WriteFills(fills []domain.Fill) error {
	groups := make(map[string][]FillRecord)
	for _, f := range fills {
		date := f.FilledAt.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRecord{
			OrderID:    f.OrderID,
			SequenceNo: f.SequenceNo,
			Symbol:     f.Symbol,
			Side:       string(f.Side),
			Qty:        f.Qty.String(),
			Price:      f.Price.String(),
			FilledAt:   f.FilledAt.UnixMilli(),
		})
	}

	for date, records := range groups {
		path := j.path("fills", date)
		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeRecords(existing, records,
			func(r FillRecord) string { return fmt.Sprintf("%s/%d", r.OrderID, r.SequenceNo) },
			func(a, b FillRecord) bool { return a.SequenceNo < b.SequenceNo })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %s: %w", date, err)
		}
	}
	return nil
}

// WriteCommands merges the given commands into the journal, partitioned by
// submission date.
func (j *Journal) WriteCommands(commands []domain.Command) error {
	groups := make(map[string][]CommandRecord)
	for i := range commands {
		c := &commands[i]
		date := c.SubmittedAt.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], CommandRecord{
			ID:          c.ID,
			Kind:        string(c.Kind),
			Payload:     string(c.Payload),
			Status:      string(c.Status),
			Result:      string(c.Result),
			Error:       c.Error,
			SubmittedAt: c.SubmittedAt.UnixMilli(),
			UpdatedAt:   c.UpdatedAt.UnixMilli(),
		})
	}

	for date, records := range groups {
		path := j.path("commands", date)
		existing, _ := readParquetFile[CommandRecord](path)
		merged := mergeRecords(existing, records,
			func(r CommandRecord) string { return r.ID },
			func(a, b CommandRecord) bool { return a.SubmittedAt < b.SubmittedAt })
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing commands for %s: %w", date, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

// ReadOrders reads the order records journaled on the given UTC date.
func (j *Journal) ReadOrders(date time.Time) ([]OrderRecord, error) {
	return readParquetFile[OrderRecord](j.path("orders", date.UTC().Format("2006-01-02")))
}

// ReadFills reads the fill records journaled on the given UTC date.
func (j *Journal) ReadFills(date time.Time) ([]FillRecord, error) {
	return readParquetFile[FillRecord](j.path("fills", date.UTC().Format("2006-01-02")))
}

// ReadCommands reads the command records journaled on the given UTC date.
func (j *Journal) ReadCommands(date time.Time) ([]CommandRecord, error) {
	return readParquetFile[CommandRecord](j.path("commands", date.UTC().Format("2006-01-02")))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (j *Journal) path(kind, date string) string {
	return filepath.Join(j.Dir, kind, date+".parquet")
}

func decString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeRecords deduplicates records by key, preferring incoming over
// existing, and sorts the result.
func mergeRecords[T any](existing, incoming []T, key func(T) string, less func(a, b T) bool) []T {
	seen := make(map[string]T, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))
	for _, r := range existing {
		k := key(r)
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = r
	}
	for _, r := range incoming {
		k := key(r)
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = r
	}

	merged := make([]T, 0, len(seen))
	for _, k := range order {
		merged = append(merged, seen[k])
	}
	sort.SliceStable(merged, func(i, j int) bool { return less(merged[i], merged[j]) })
	return merged
}
