// Package sheet decodes batch upload spreadsheets and encodes result exports.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

const (
	ColumnSerialNumber = "S. No."
	ColumnProductName  = "Product Name"
	ColumnInputURLs    = "Input Image Urls"
	ColumnOutputURLs   = "Output Image Urls"

	DefaultDelimiter = ","
	DefaultMaxBytes  = 10 << 20
)

var InputHeader = []string{ColumnSerialNumber, ColumnProductName, ColumnInputURLs}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type Row struct {
	Line         int
	SerialNumber int
	ProductName  string
	InputURLs    []string
}

type ParseOptions struct {
	Delimiter string
	MaxBytes  int64
}

func (o ParseOptions) withDefaults() ParseOptions {
	if o.Delimiter == "" {
		o.Delimiter = DefaultDelimiter
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	return o
}

// Parse reads an upload and returns its rows in file order. Shape problems are
// reported as *domain.ValidationError.
func Parse(r io.Reader, opts ParseOptions) ([]Row, error) {
	opts = opts.withDefaults()

	raw, err := io.ReadAll(io.LimitReader(r, opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > opts.MaxBytes {
		return nil, domain.Invalidf("file exceeds %d bytes", opts.MaxBytes)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return nil, domain.Invalidf("file must be UTF-8 encoded")
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Invalidf("file is empty, expected columns: %s", expectedColumns())
	}
	if err != nil {
		return nil, domain.Invalidf("malformed csv: %v", err)
	}
	if !headerMatches(header) {
		return nil, domain.Invalidf("CSV must have columns: %s", expectedColumns())
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Invalidf("malformed csv: %v", err)
		}
		line, _ := reader.FieldPos(0)
		if blankRecord(record) {
			continue
		}
		if len(record) < len(InputHeader) {
			return nil, domain.Invalidf("line %d: expected %d columns, got %d", line, len(InputHeader), len(record))
		}
		// An unquoted URL list spills over into extra fields.
		urlCell := strings.Join(record[2:], opts.Delimiter)

		serial, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, domain.Invalidf("line %d: %s must be an integer, got %q", line, ColumnSerialNumber, record[0])
		}
		product := strings.TrimSpace(record[1])
		if product == "" {
			return nil, domain.Invalidf("line %d: %s is required", line, ColumnProductName)
		}

		rows = append(rows, Row{
			Line:         line,
			SerialNumber: serial,
			ProductName:  product,
			InputURLs:    SplitURLs(urlCell, opts.Delimiter),
		})
	}

	return rows, nil
}

// SplitURLs splits a URL cell on delim, trims every entry and drops empties.
func SplitURLs(cell, delim string) []string {
	if delim == "" {
		delim = DefaultDelimiter
	}
	parts := strings.Split(cell, delim)
	urls := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		urls = append(urls, part)
	}
	return urls
}

func headerMatches(header []string) bool {
	if len(header) != len(InputHeader) {
		return false
	}
	for i, col := range header {
		if strings.TrimSpace(col) != InputHeader[i] {
			return false
		}
	}
	return true
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func expectedColumns() string {
	return "[" + strings.Join(InputHeader, ", ") + "]"
}
