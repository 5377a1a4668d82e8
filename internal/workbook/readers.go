package workbook

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// MaxUploadBytes bounds how much of a reader Read will consume.
const MaxUploadBytes = 20 << 20

// Read consumes r and parses it as a workbook named name.
func Read(name string, r io.Reader) (*Workbook, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, &ParseError{File: name, Err: fmt.Errorf("read upload: %w", err)}
	}
	if len(data) > MaxUploadBytes {
		return nil, &ParseError{File: name, Err: fmt.Errorf("file exceeds %d bytes", MaxUploadBytes)}
	}
	return Parse(name, data)
}

// readXLSX returns the first sheet's cells. Raw values are requested so
// date cells come back as serial numbers rather than locale-formatted text.
func readXLSX(data []byte) ([][]string, string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, "", ErrNoSheets
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, "", fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, sheets[0], nil
}

// readXLS handles legacy BIFF workbooks. Dates come back as serial numbers,
// as in readXLSX. The decoder panics on some malformed inputs, so panics are
// turned into parse errors.
func readXLS(data []byte) (grid [][]string, sheetName string, err error) {
	defer func() {
		if r := recover(); r != nil {
			grid, sheetName, err = nil, "", fmt.Errorf("decode xls: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, "", fmt.Errorf("open xls: %w", err)
	}
	if wb.NumSheets() == 0 {
		return nil, "", ErrNoSheets
	}

	// The decoder renders date-formatted RK cells as "2006.01", dropping
	// the day. With every style reset to General they come back as serials.
	for _, style := range wb.Xfs {
		switch x := style.(type) {
		case *xls.Xf8:
			x.Format = 0
		case *xls.Xf5:
			x.Format = 0
		}
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, "", ErrNoSheets
	}

	grid = make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			grid = append(grid, nil)
			continue
		}

		cells := make([]string, row.LastCol())
		for c := row.FirstCol(); c < row.LastCol(); c++ {
			cells[c] = row.Col(c)
		}
		grid = append(grid, cells)
	}
	return grid, sheet.Name, nil
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(sanitizeUTF8(data), []byte("\xEF\xBB\xBF"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	// encoding/csv skips empty lines; records are placed at their source
	// line so row numbers match what the user sees in the file.
	var grid [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		line, _ := r.FieldPos(0)
		for len(grid) < line-1 {
			grid = append(grid, nil)
		}
		grid = append(grid, record)
	}
	return grid, nil
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD so exports from
// legacy encodings still parse.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('\uFFFD')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}

	return buf.Bytes()
}
