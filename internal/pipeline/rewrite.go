package pipeline

import (
	"context"
	"strings"
)

// SegmentRewriter substitutes From with To in every whitespace-separated URL of
// the input.
type SegmentRewriter struct {
	From string
	To   string
}

func NewSegmentRewriter(from, to string) SegmentRewriter {
	if from == "" {
		from = "public"
	}
	if to == "" {
		to = "processed"
	}
	return SegmentRewriter{From: from, To: to}
}

func (r SegmentRewriter) Transform(ctx context.Context, inputURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fields := strings.Fields(inputURL)
	if len(fields) == 0 {
		return "", ErrEmptyInput
	}
	for i, field := range fields {
		fields[i] = strings.ReplaceAll(field, r.From, r.To)
	}
	return strings.Join(fields, " "), nil
}
