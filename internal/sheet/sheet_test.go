package sheet

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

func TestParseSplitsAndTrimsURLs(t *testing.T) {
	input := "S. No.,Product Name,Input Image Urls\n" +
		"1,Widget,\"http://x/a.jpg, http://x/b.jpg\"\n" +
		"2,Gadget,\" http://x/c.jpg ,,\"\n"

	rows, err := Parse(strings.NewReader(input), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].SerialNumber)
	assert.Equal(t, "Widget", rows[0].ProductName)
	assert.Equal(t, []string{"http://x/a.jpg", "http://x/b.jpg"}, rows[0].InputURLs)
	assert.Equal(t, []string{"http://x/c.jpg"}, rows[1].InputURLs)
	assert.Equal(t, 3, rows[1].Line)
}

func TestParseUnquotedURLListSpillsIntoExtraFields(t *testing.T) {
	input := "S. No.,Product Name,Input Image Urls\n1,Widget,http://x/a.jpg, http://x/b.jpg\n"

	rows, err := Parse(strings.NewReader(input), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"http://x/a.jpg", "http://x/b.jpg"}, rows[0].InputURLs)
}

func TestParseRowWithoutURLs(t *testing.T) {
	input := "S. No.,Product Name,Input Image Urls\n1,Widget,\" , \"\n"

	rows, err := Parse(strings.NewReader(input), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].InputURLs)
}

func TestParseCustomDelimiter(t *testing.T) {
	input := "S. No.,Product Name,Input Image Urls\n1,Widget,http://x/a.jpg; http://x/b.jpg\n"

	rows, err := Parse(strings.NewReader(input), ParseOptions{Delimiter: ";"})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://x/a.jpg", "http://x/b.jpg"}, rows[0].InputURLs)
}

func TestParseStripsBOMAndSkipsBlankLines(t *testing.T) {
	input := "\xEF\xBB\xBFS. No.,Product Name,Input Image Urls\n\n1,Widget,http://x/a.jpg\n,,\n"

	rows, err := Parse(strings.NewReader(input), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestParseRejectsBadShape(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "wrong order", input: "Product Name,S. No.,Input Image Urls\nWidget,1,http://x/a.jpg\n"},
		{name: "missing column", input: "S. No.,Product Name\n1,Widget\n"},
		{name: "extra column", input: "S. No.,Product Name,Input Image Urls,Notes\n1,Widget,http://x/a.jpg,n\n"},
		{name: "lowercase header", input: "serial number,product name,input image urls\n1,Widget,http://x/a.jpg\n"},
		{name: "non-integer serial", input: "S. No.,Product Name,Input Image Urls\none,Widget,http://x/a.jpg\n"},
		{name: "missing product", input: "S. No.,Product Name,Input Image Urls\n1, ,http://x/a.jpg\n"},
		{name: "short row", input: "S. No.,Product Name,Input Image Urls\n1,Widget\n"},
		{name: "invalid utf-8", input: "S. No.,Product Name,Input Image Urls\n1,Wid\xffget,http://x/\xfe.jpg\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input), ParseOptions{})
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
		})
	}
}

func TestParseRejectsOversizedInput(t *testing.T) {
	input := "S. No.,Product Name,Input Image Urls\n1,Widget,http://x/a.jpg\n"

	_, err := Parse(strings.NewReader(input), ParseOptions{MaxBytes: 10})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "exceeds")
}

func TestWriteGroupsAndCleansURLs(t *testing.T) {
	out, err := Write([]ResultRow{
		{
			ProductName: "Widget",
			InputURLs:   []string{"http://x/a.jpg", " http://x/b\n.jpg\r"},
			OutputURLs:  []string{"http://x/processed/a.jpg", ""},
		},
		{
			ProductName: "Gadget",
			InputURLs:   []string{"http://x/c.jpg"},
		},
	})
	require.NoError(t, err)

	want := "S. No.,Product Name,Input Image Urls,Output Image Urls\n" +
		"1,Widget,http://x/a.jpg http://x/b.jpg,http://x/processed/a.jpg\n" +
		"2,Gadget,http://x/c.jpg,\n"
	assert.Equal(t, want, string(out))
}

func TestWriteHeaderOnly(t *testing.T) {
	out, err := Write(nil)
	require.NoError(t, err)
	assert.Equal(t, "S. No.,Product Name,Input Image Urls,Output Image Urls\n", string(out))
}
