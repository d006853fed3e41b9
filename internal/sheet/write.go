package sheet

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var OutputHeader = []string{ColumnSerialNumber, ColumnProductName, ColumnInputURLs, ColumnOutputURLs}

type ResultRow struct {
	ProductName string
	InputURLs   []string
	OutputURLs  []string
}

// Write encodes result rows with a fresh 1-based serial number per row. URLs
// inside a cell are stripped of all whitespace and joined with a single space;
// empty URLs contribute nothing.
func Write(rows []ResultRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(OutputHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		record := []string{
			strconv.Itoa(i + 1),
			row.ProductName,
			JoinURLs(row.InputURLs),
			JoinURLs(row.OutputURLs),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func JoinURLs(urls []string) string {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		u = stripSpace(u)
		if u == "" {
			continue
		}
		cleaned = append(cleaned, u)
	}
	return strings.Join(cleaned, " ")
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
