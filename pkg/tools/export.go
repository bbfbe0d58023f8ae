package tools

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dbrheo/dbrheo/pkg/adapters"
	"github.com/dbrheo/dbrheo/pkg/protocol"
)

// ExportTool streams query results into a csv, json or xlsx file.
// The format is chosen by the file extension.
type ExportTool struct {
	db            DBProvider
	workspaceRoot string
}

func NewExportTool(db DBProvider, workspaceRoot string) *ExportTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ExportTool{db: db, workspaceRoot: workspaceRoot}
}

func (t *ExportTool) Name() string { return "database_export" }

func (t *ExportTool) Description() string {
	return "Export the result of a SQL query to a file. The extension picks the format: .csv, .json or .xlsx."
}

func (t *ExportTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sql": map[string]any{
				"type":        "string",
				"description": "The SELECT statement whose result is exported.",
			},
			"file": map[string]any{
				"type":        "string",
				"description": "Output path; relative paths resolve against the workspace root.",
			},
			"database": map[string]any{
				"type":        "string",
				"description": "Connection alias; defaults to the current connection.",
			},
		},
		"required": []any{"sql", "file"},
	}
}

func (t *ExportTool) DefaultTimeout() time.Duration { return 5 * time.Minute }

func (t *ExportTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	query := strings.TrimSpace(stringArg(args, "sql"))
	file := stringArg(args, "file")
	if query == "" || file == "" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall, "sql and file arguments are required")
	}

	format := strings.ToLower(filepath.Ext(file))
	if format != ".csv" && format != ".json" && format != ".xlsx" {
		return nil, protocol.NewError(protocol.ErrInvalidToolCall,
			fmt.Sprintf("unsupported export format %q (use .csv, .json or .xlsx)", format))
	}

	if !filepath.IsAbs(file) {
		file = filepath.Join(t.workspaceRoot, file)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, protocol.WrapError(protocol.ErrToolExecution, "failed to create export directory", err)
	}

	var conn *adapters.ActiveConnection
	var err error
	if alias := stringArg(args, "database"); alias != "" {
		conn, err = t.db.GetByAlias(ctx, alias)
	} else {
		conn, err = t.db.Get(ctx)
	}
	if err != nil {
		return nil, err
	}

	stream, err := conn.Adapter.ExecuteStream(ctx, query, sliceArg(args, "params"), nil)
	if err != nil {
		return nil, err
	}

	var rows int64
	switch format {
	case ".csv":
		rows, err = writeCSV(file, stream)
	case ".json":
		rows, err = writeJSON(file, stream)
	case ".xlsx":
		rows, err = writeXLSX(file, stream)
	}
	if err != nil {
		return nil, err
	}

	return &ToolResult{
		Content: fmt.Sprintf("exported %d rows to %s", rows, file),
		Output:  map[string]any{"file": file, "rows": rows, "format": strings.TrimPrefix(format, ".")},
	}, nil
}

func writeCSV(path string, stream <-chan adapters.RowBatch) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, protocol.WrapError(protocol.ErrToolExecution, "failed to create export file", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	var rows int64
	wroteHeader := false
	for batch := range stream {
		if batch.Err != nil {
			return rows, batch.Err
		}
		if !wroteHeader {
			if err := w.Write(batch.Columns); err != nil {
				return rows, protocol.WrapError(protocol.ErrToolExecution, "csv write failed", err)
			}
			wroteHeader = true
		}
		for _, row := range batch.Rows {
			record := make([]string, len(row))
			for i, v := range row {
				record[i] = formatCell(v)
			}
			if err := w.Write(record); err != nil {
				return rows, protocol.WrapError(protocol.ErrToolExecution, "csv write failed", err)
			}
			rows++
		}
	}
	w.Flush()
	return rows, w.Error()
}

func writeJSON(path string, stream <-chan adapters.RowBatch) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, protocol.WrapError(protocol.ErrToolExecution, "failed to create export file", err)
	}
	defer f.Close()

	// Objects are streamed one per row to keep memory flat.
	if _, err := f.WriteString("[\n"); err != nil {
		return 0, protocol.WrapError(protocol.ErrToolExecution, "json write failed", err)
	}
	enc := json.NewEncoder(f)

	var rows int64
	for batch := range stream {
		if batch.Err != nil {
			return rows, batch.Err
		}
		for _, row := range batch.Rows {
			obj := make(map[string]any, len(batch.Columns))
			for i, col := range batch.Columns {
				if i < len(row) {
					obj[col] = row[i]
				}
			}
			if rows > 0 {
				if _, err := f.WriteString(",\n"); err != nil {
					return rows, protocol.WrapError(protocol.ErrToolExecution, "json write failed", err)
				}
			}
			if err := enc.Encode(obj); err != nil {
				return rows, protocol.WrapError(protocol.ErrToolExecution, "json write failed", err)
			}
			rows++
		}
	}
	if _, err := f.WriteString("]\n"); err != nil {
		return rows, protocol.WrapError(protocol.ErrToolExecution, "json write failed", err)
	}
	return rows, nil
}

func writeXLSX(path string, stream <-chan adapters.RowBatch) (int64, error) {
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter("Sheet1")
	if err != nil {
		return 0, protocol.WrapError(protocol.ErrToolExecution, "xlsx writer failed", err)
	}

	var rows int64
	rowIdx := 1
	wroteHeader := false
	for batch := range stream {
		if batch.Err != nil {
			return rows, batch.Err
		}
		if !wroteHeader {
			header := make([]any, len(batch.Columns))
			for i, col := range batch.Columns {
				header[i] = col
			}
			if err := sw.SetRow("A1", header); err != nil {
				return rows, protocol.WrapError(protocol.ErrToolExecution, "xlsx write failed", err)
			}
			rowIdx = 2
			wroteHeader = true
		}
		for _, row := range batch.Rows {
			cell, err := excelize.CoordinatesToCellName(1, rowIdx)
			if err != nil {
				return rows, protocol.WrapError(protocol.ErrToolExecution, "xlsx write failed", err)
			}
			if err := sw.SetRow(cell, row); err != nil {
				return rows, protocol.WrapError(protocol.ErrToolExecution, "xlsx write failed", err)
			}
			rowIdx++
			rows++
		}
	}
	if err := sw.Flush(); err != nil {
		return rows, protocol.WrapError(protocol.ErrToolExecution, "xlsx write failed", err)
	}
	if err := f.SaveAs(path); err != nil {
		return rows, protocol.WrapError(protocol.ErrToolExecution, "failed to save xlsx file", err)
	}
	return rows, nil
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
