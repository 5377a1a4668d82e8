// Package workbook reads spreadsheet uploads (xlsx, legacy xls, csv) into a
// header row and a capped sequence of non-blank data rows.
//
// The reader never coerces cell types. Every cell comes back as trimmed text;
// the only distinction made at read time is empty versus present. Date cells
// in xlsx files are returned as their raw serial numbers so the caller's date
// parser sees the same value the spreadsheet stores.
package workbook

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// PreviewRowLimit is the number of retained data rows kept for preview and
// editing. Rows beyond it are counted but not returned.
const PreviewRowLimit = 100

// Format identifies the container format of an uploaded file.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
	FormatCSV  Format = "csv"
)

var (
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("empty file")

	// ErrNoHeader is returned when no row of the first sheet has a non-empty cell.
	ErrNoHeader = errors.New("no header row found")

	// ErrNoSheets is returned when a workbook contains no worksheets.
	ErrNoSheets = errors.New("workbook has no sheets")
)

// ParseError reports a file that could not be read at all. No partial
// result accompanies it.
type ParseError struct {
	File   string
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("parse error: %s (%s): %v", e.File, e.Format, e.Err)
	}
	return fmt.Sprintf("parse error: %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Row is one retained data row.
type Row struct {
	Line   int               // 1-based row number in the source sheet
	Values map[string]string // header label -> cell text ("" when absent)
}

// Workbook is the parsed first sheet of an upload.
type Workbook struct {
	Format    Format
	Sheet     string
	HeaderRow int // 1-based row number of the header
	Headers   []string
	Rows      []Row
	TotalRows int // retained (non-blank) data rows before the preview cap
}

// Truncated reports whether rows were dropped by the preview cap.
func (w *Workbook) Truncated() bool {
	return w.TotalRows > len(w.Rows)
}

// DetectFormat picks the reader for a file from its extension, falling back
// to the leading magic bytes when the extension is missing or unknown.
func DetectFormat(name string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".xls":
		return FormatXLS
	case ".csv", ".txt":
		return FormatCSV
	}

	switch {
	case len(data) >= 4 && string(data[:4]) == "PK\x03\x04":
		return FormatXLSX
	case len(data) >= 8 && string(data[:8]) == "\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1":
		return FormatXLS
	default:
		return FormatCSV
	}
}

// Parse reads the first sheet of data according to its detected format.
func Parse(name string, data []byte) (*Workbook, error) {
	if len(data) == 0 {
		return nil, &ParseError{File: name, Err: ErrEmptyFile}
	}

	format := DetectFormat(name, data)

	var (
		grid  [][]string
		sheet string
		err   error
	)
	switch format {
	case FormatXLSX:
		grid, sheet, err = readXLSX(data)
	case FormatXLS:
		grid, sheet, err = readXLS(data)
	default:
		grid, err = readCSV(data)
		sheet = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	if err != nil {
		return nil, &ParseError{File: name, Format: format, Err: err}
	}

	wb, err := fromGrid(grid)
	if err != nil {
		return nil, &ParseError{File: name, Format: format, Err: err}
	}
	wb.Format = format
	wb.Sheet = sheet
	return wb, nil
}

// fromGrid applies the header and blank-row rules to a raw cell grid.
func fromGrid(grid [][]string) (*Workbook, error) {
	firstCol, lastCol := usedColumns(grid)
	if lastCol < firstCol {
		return nil, ErrNoHeader
	}

	headerIdx := -1
	for i, row := range grid {
		if !isBlank(row) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, ErrNoHeader
	}

	headers := buildHeaders(grid[headerIdx], firstCol, lastCol)

	wb := &Workbook{
		HeaderRow: headerIdx + 1,
		Headers:   headers,
	}

	for i := headerIdx + 1; i < len(grid); i++ {
		row := grid[i]
		if isBlank(row) {
			continue
		}

		wb.TotalRows++
		if len(wb.Rows) >= PreviewRowLimit {
			continue
		}

		values := make(map[string]string, len(headers))
		for c := firstCol; c <= lastCol; c++ {
			values[headers[c-firstCol]] = cell(row, c)
		}
		wb.Rows = append(wb.Rows, Row{Line: i + 1, Values: values})
	}

	return wb, nil
}

// buildHeaders derives one label per used column. Empty header cells get a
// 1-based "Column <n>" placeholder; repeated labels get a numeric suffix so
// every column keeps its own key.
func buildHeaders(row []string, firstCol, lastCol int) []string {
	headers := make([]string, 0, lastCol-firstCol+1)
	seen := make(map[string]int)

	for c := firstCol; c <= lastCol; c++ {
		label := cell(row, c)
		if label == "" {
			label = "Column " + strconv.Itoa(c+1)
		}

		seen[label]++
		if n := seen[label]; n > 1 {
			label = fmt.Sprintf("%s (%d)", label, n)
		}
		headers = append(headers, label)
	}
	return headers
}

// usedColumns returns the first and last column index holding any
// non-empty cell. lastCol < firstCol means the grid is blank.
func usedColumns(grid [][]string) (firstCol, lastCol int) {
	firstCol, lastCol = -1, -2
	for _, row := range grid {
		for c, v := range row {
			if strings.TrimSpace(v) == "" {
				continue
			}
			if firstCol < 0 || c < firstCol {
				firstCol = c
			}
			if c > lastCol {
				lastCol = c
			}
		}
	}
	if firstCol < 0 {
		return 0, -1
	}
	return firstCol, lastCol
}

func cell(row []string, c int) string {
	if c < 0 || c >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[c])
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ColumnLetter converts a 0-based column index to its spreadsheet letter
// (0 -> A, 25 -> Z, 26 -> AA).
func ColumnLetter(index int) string {
	if index < 0 {
		return ""
	}
	var b []byte
	for index >= 0 {
		b = append([]byte{byte('A' + index%26)}, b...)
		index = index/26 - 1
	}
	return string(b)
}
