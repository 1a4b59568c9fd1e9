// Package tabular turns raw attendance files into ordered rows of string
// cells and infers the semantic role of each column.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format identifies the declared file format of an upload.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// FormatFromFilename guesses the format from a file extension, defaulting to
// CSV for anything unrecognized.
func FormatFromFilename(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tsv"), strings.HasSuffix(lower, ".tab"):
		return FormatTSV
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xlsm"):
		return FormatXLSX
	default:
		return FormatCSV
	}
}

// MalformedFileError is the fatal parse failure: the file cannot be tokenized
// at all. Per-row irregularities never produce it.
type MalformedFileError struct {
	Kind    string
	Message string
}

func (e *MalformedFileError) Error() string {
	return fmt.Sprintf("malformed file (%s): %s", e.Kind, e.Message)
}

// Table is the parsed file: an optional header plus ordered data rows. Rows
// shorter than the header are padded with empty strings; rows are never
// dropped.
type Table struct {
	Header []string
	Rows   [][]string
}

// Parse tokenizes raw bytes for the declared format.
func Parse(data []byte, format Format) (*Table, error) {
	switch format {
	case FormatXLSX:
		return parseXLSX(data)
	case FormatTSV:
		return parseDelimited(data, '\t')
	default:
		return parseDelimited(data, ',')
	}
}

func parseDelimited(data []byte, delimiter rune) (*Table, error) {
	decoded, _, err := DetectAndDecode(data)
	if err != nil {
		return nil, &MalformedFileError{Kind: "encoding", Message: err.Error()}
	}
	decoded = normalizeLineEndings(decoded)

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.Comma = delimiter
	// Real-world exports mix quoting styles and column counts; we handle
	// padding ourselves.
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &MalformedFileError{Kind: "tokenize", Message: err.Error()}
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		records = append(records, rec)
	}
	return buildTable(records)
}

func parseXLSX(data []byte) (*Table, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedFileError{Kind: "workbook", Message: err.Error()}
	}
	defer wb.Close()
	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, &MalformedFileError{Kind: "workbook", Message: "workbook has no sheets"}
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, &MalformedFileError{Kind: "workbook", Message: err.Error()}
	}
	for _, row := range rows {
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
	}
	return buildTable(rows)
}

func buildTable(records [][]string) (*Table, error) {
	records = trimTrailingEmptyRows(records)
	if len(records) == 0 {
		return nil, &MalformedFileError{Kind: "no_data", Message: "file contains no rows"}
	}

	t := &Table{}
	if looksLikeHeader(records[0]) {
		t.Header = records[0]
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, &MalformedFileError{Kind: "no_data", Message: "file contains a header but no data rows"}
	}

	width := len(t.Header)
	for _, rec := range records {
		if len(rec) > width {
			width = len(rec)
		}
	}
	for _, rec := range records {
		for len(rec) < width {
			rec = append(rec, "")
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// looksLikeHeader reports whether the first row reads as column labels rather
// than data: none of its cells parse as a date or contain an email, and at
// least one cell matches the role vocabulary.
func looksLikeHeader(row []string) bool {
	vocabHit := false
	for _, cell := range row {
		if cell == "" {
			continue
		}
		if parsesAsDate(cell) || looksLikeEmail(cell) {
			return false
		}
		if matchesAnyRoleKeyword(cell) {
			vocabHit = true
		}
	}
	return vocabHit
}

func trimTrailingEmptyRows(records [][]string) [][]string {
	for len(records) > 0 {
		last := records[len(records)-1]
		if !rowEmpty(last) {
			break
		}
		records = records[:len(records)-1]
	}
	return records
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// normalizeLineEndings converts CRLF and lone CR line endings to LF so the
// csv reader sees a single convention.
func normalizeLineEndings(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
}
