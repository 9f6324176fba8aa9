// Package importer reads work orders from CSV and Excel spreadsheets.
// Columns are matched by header name, case-insensitively; files without a
// header row use the positional order of Columns.
package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"nestline/internal/domain"
)

// Result holds the parsed work orders and the per-row problems. Rows with
// errors are skipped.
type Result struct {
	WorkOrders []domain.WorkOrder
	Errors     []string
	Warnings   []string
}

// Columns lists the column roles in positional order.
var Columns = []string{"id", "status", "priority", "part_number", "tool_id", "weight_kg", "width_mm", "length_mm", "valves", "cure_cycle"}

var headerAliases = map[string][]string{
	"id":          {"id", "odl", "work order", "work_order", "wo", "order"},
	"status":      {"status", "state", "stato"},
	"priority":    {"priority", "prio", "priorita"},
	"part_number": {"part_number", "part number", "part", "pn"},
	"tool_id":     {"tool_id", "tool", "tool id", "tool number"},
	"weight_kg":   {"weight_kg", "weight", "kg", "peso"},
	"width_mm":    {"width_mm", "width", "w", "larghezza"},
	"length_mm":   {"length_mm", "length", "l", "lunghezza"},
	"valves":      {"valves", "valvole", "vacuum", "lines"},
	"cure_cycle":  {"cure_cycle", "cycle", "cure cycle", "ciclo"},
}

// ColumnMapping maps each role to its column index, -1 when absent.
type ColumnMapping map[string]int

// DetectCSVDelimiter picks the delimiter among comma, semicolon, tab and pipe
// that gives the most consistent column count.
func DetectCSVDelimiter(data []byte) rune {
	best, bestScore := ',', 0
	for _, delim := range []rune{',', ';', '\t', '|'} {
		reader := csv.NewReader(bytes.NewReader(data))
		reader.Comma = delim
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1
		records, err := reader.ReadAll()
		if err != nil || len(records) == 0 || len(records[0]) < 2 {
			continue
		}
		cols := len(records[0])
		score := 0
		for _, row := range records {
			if len(row) == cols {
				score++
			}
		}
		if weighted := score*10 + cols; weighted > bestScore {
			best, bestScore = delim, weighted
		}
	}
	return best
}

// DetectColumns maps a header row. It reports false, with the positional
// mapping, when the row is not a header.
func DetectColumns(row []string) (ColumnMapping, bool) {
	mapping := ColumnMapping{}
	for _, role := range Columns {
		mapping[role] = -1
	}
	header := false
	for i, cell := range row {
		normalized := strings.ToLower(strings.TrimSpace(cell))
		for role, aliases := range headerAliases {
			for _, alias := range aliases {
				if normalized == alias && mapping[role] == -1 {
					mapping[role] = i
					header = true
				}
			}
		}
	}
	if !header {
		for i, role := range Columns {
			mapping[role] = i
		}
		return mapping, false
	}
	return mapping, true
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// parseNumber accepts a decimal comma when no decimal point is present.
func parseNumber(s string) (float64, error) {
	if !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	return strconv.ParseFloat(s, 64)
}

func parseRow(row []string, m ColumnMapping, label string) (domain.WorkOrder, string, []string) {
	wo := domain.WorkOrder{
		ID:         cell(row, m["id"]),
		Status:     strings.ToLower(cell(row, m["status"])),
		PartNumber: cell(row, m["part_number"]),
		ToolID:     cell(row, m["tool_id"]),
		CureCycle:  cell(row, m["cure_cycle"]),
	}
	if wo.ID == "" {
		return wo, fmt.Sprintf("%s: missing work order id", label), nil
	}
	for _, f := range []struct {
		role string
		dst  *float64
	}{
		{"weight_kg", &wo.WeightKg},
		{"width_mm", &wo.WidthMM},
		{"length_mm", &wo.LengthMM},
	} {
		raw := cell(row, m[f.role])
		if raw == "" {
			return wo, fmt.Sprintf("%s: missing %s", label, f.role), nil
		}
		v, err := parseNumber(raw)
		if err != nil || v < 0 {
			return wo, fmt.Sprintf("%s: invalid %s '%s'", label, f.role, raw), nil
		}
		*f.dst = v
	}
	if raw := cell(row, m["valves"]); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return wo, fmt.Sprintf("%s: invalid valves '%s'", label, raw), nil
		}
		wo.Valves = v
	}
	var warnings []string
	if raw := cell(row, m["priority"]); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: invalid priority '%s', using 0", label, raw))
		}
		wo.Priority = v
	}
	if wo.CureCycle == "" {
		warnings = append(warnings, fmt.Sprintf("%s: no cure cycle", label))
	}
	return wo, "", warnings
}

func emptyRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func fromRows(rows [][]string, unit string, res Result) Result {
	if len(rows) == 0 {
		res.Errors = append(res.Errors, "file is empty")
		return res
	}
	mapping, header := DetectColumns(rows[0])
	start := 0
	if header {
		start = 1
	} else {
		res.Warnings = append(res.Warnings, "no header row found, using column order "+strings.Join(Columns, ","))
	}
	seen := map[string]int{}
	for i := start; i < len(rows); i++ {
		if emptyRow(rows[i]) {
			continue
		}
		label := fmt.Sprintf("%s %d", unit, i+1)
		wo, errMsg, warnings := parseRow(rows[i], mapping, label)
		if errMsg != "" {
			res.Errors = append(res.Errors, errMsg)
			continue
		}
		res.Warnings = append(res.Warnings, warnings...)
		if prev, ok := seen[wo.ID]; ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: duplicate work order %s replaces an earlier row", label, wo.ID))
			res.WorkOrders[prev] = wo
			continue
		}
		seen[wo.ID] = len(res.WorkOrders)
		res.WorkOrders = append(res.WorkOrders, wo)
	}
	if len(res.WorkOrders) == 0 && len(res.Errors) == 0 {
		res.Errors = append(res.Errors, "no work orders found")
	}
	return res
}

// ImportCSV reads work orders from CSV data with any supported delimiter.
func ImportCSV(r io.Reader) Result {
	var res Result
	data, err := io.ReadAll(r)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("cannot read csv: %v", err))
		return res
	}
	if len(bytes.TrimSpace(data)) == 0 {
		res.Errors = append(res.Errors, "file is empty")
		return res
	}
	delim := DetectCSVDelimiter(data)
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("cannot read csv: %v", err))
		return res
	}
	return fromRows(records, "line", res)
}

// ImportExcel reads work orders from the first sheet of an xlsx workbook.
func ImportExcel(r io.Reader) Result {
	var res Result
	f, err := excelize.OpenReader(r)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("cannot open workbook: %v", err))
		return res
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		res.Errors = append(res.Errors, "workbook has no sheets")
		return res
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("cannot read sheet %s: %v", sheets[0], err))
		return res
	}
	return fromRows(rows, "row", res)
}

// ImportFile dispatches on the file extension.
func ImportFile(path string) Result {
	f, err := os.Open(path)
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("cannot open file: %v", err)}}
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return ImportExcel(f)
	case ".csv", ".txt", ".tsv":
		return ImportCSV(f)
	default:
		return Result{Errors: []string{fmt.Sprintf("unsupported file type %q", filepath.Ext(path))}}
	}
}
