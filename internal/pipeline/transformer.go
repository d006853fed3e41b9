// Package pipeline holds the pluggable image transformation run by the worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ModeRewrite     = "rewrite"
	ModeObjectStore = "object_store"
)

var ErrEmptyInput = errors.New("input url is empty")

// Transformer turns one input image URL into its output URL.
type Transformer interface {
	Transform(ctx context.Context, inputURL string) (string, error)
}

type Config struct {
	Mode         string
	From         string
	To           string
	Width        int
	Format       string
	Quality      int
	FetchTimeout time.Duration
	OutputPrefix string
}

// New builds the transformer selected by cfg.Mode. objects is only required for
// the object_store mode.
func New(cfg Config, objects ObjectWriter) (Transformer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeRewrite:
		return NewSegmentRewriter(cfg.From, cfg.To), nil
	case ModeObjectStore:
		if objects == nil {
			return nil, errors.New("object_store transform requires object storage")
		}
		return NewObjectStoreTransformer(cfg, NewHTTPFetcher(cfg.FetchTimeout), objects), nil
	default:
		return nil, fmt.Errorf("unsupported transform mode: %s", cfg.Mode)
	}
}
