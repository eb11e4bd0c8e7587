package results

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	SummarySheet  = "Summary"
	RequestsSheet = "Requests"
)

var (
	SummaryColumns = []string{
		"Engine", "Model", "Input Length", "Output Length", "Concurrency", "Loop", "Total Requests",
		"Avg Latency", "P50 Latency", "P90 Latency", "P95 Latency", "P99 Latency", "Error Rate", "Throughput",
	}
	// Concurrency trails the columns readers of older reports expect
	RequestColumns = []string{"Round", "Slot", "Latency", "Tokens", "Tokens/s", "Success", "Error", "Concurrency"}
)

// ReportFileName is the name of the report inside the task result directory.
func ReportFileName(displayID int64) string {
	return fmt.Sprintf("task_%d.xlsx", displayID)
}

// WriteReport writes the two sheet workbook of a run to path.
func WriteReport(path string, summary *api.ResultSummary, samples []api.ResultSample) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(RequestsSheet); err != nil {
		return err
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	rows := [][]any{summaryRow(summary)}
	for i := range summary.PerConcurrency {
		rows = append(rows, summaryRow(&summary.PerConcurrency[i]))
	}
	if err := writeSheet(f, SummarySheet, header, SummaryColumns, rows); err != nil {
		return err
	}

	rows = make([][]any, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, []any{s.Round, s.Slot, optional(s.Latency), s.Tokens, s.TokensPerS, s.Success, optional(s.Error), s.Concurrency})
	}
	if err := writeSheet(f, RequestsSheet, header, RequestColumns, rows); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func summaryRow(s *api.ResultSummary) []any {
	return []any{
		s.Engine,
		s.Model,
		s.InputLength,
		s.OutputLength,
		api.FixedConcurrency(s.Concurrency...).String(),
		s.Loop,
		s.TotalRequests,
		optional(s.Latency.Avg),
		optional(s.Latency.P50),
		optional(s.Latency.P90),
		optional(s.Latency.P95),
		optional(s.Latency.P99),
		optional(s.ErrorRate),
		optional(s.Throughput),
	}
}

// optional leaves the cell empty for a missing value instead of writing 0.
func optional[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func writeSheet(f *excelize.File, sheet string, style int, columns []string, rows [][]any) error {
	headerRow := make([]any, len(columns))
	for i, c := range columns {
		headerRow[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}
