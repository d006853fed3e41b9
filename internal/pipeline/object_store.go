package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	defaultWidth        = 800
	defaultQuality      = 80
	defaultOutputPrefix = "outputs"
	maxSourceBytes      = 32 << 20
)

var ErrFetchFailed = errors.New("fetch source image")

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	ObjectURL(objectKey string) string
}

// objectChecker is implemented by writers that can tell whether an output
// already exists, letting a redelivered job skip the fetch.
type objectChecker interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
}

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d", ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", ErrFetchFailed, maxSourceBytes)
	}
	return data, nil
}

// ObjectStoreTransformer downloads the source, resizes it and uploads the
// result. The object key depends only on the input URL and the output
// settings, so repeated runs overwrite the same object.
type ObjectStoreTransformer struct {
	fetcher Fetcher
	objects ObjectWriter
	width   int
	format  string
	quality int
	prefix  string
}

func NewObjectStoreTransformer(cfg Config, fetcher Fetcher, objects ObjectWriter) *ObjectStoreTransformer {
	width := cfg.Width
	if width <= 0 {
		width = defaultWidth
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.OutputPrefix), "/")
	if prefix == "" {
		prefix = defaultOutputPrefix
	}

	return &ObjectStoreTransformer{
		fetcher: fetcher,
		objects: objects,
		width:   width,
		format:  normalizeOutputFormat(strings.ToLower(strings.TrimSpace(cfg.Format))),
		quality: quality,
		prefix:  prefix,
	}
}

func (t *ObjectStoreTransformer) Transform(ctx context.Context, inputURL string) (string, error) {
	inputURL = strings.TrimSpace(inputURL)
	if inputURL == "" {
		return "", ErrEmptyInput
	}

	key := t.objectKey(inputURL)
	if checker, ok := t.objects.(objectChecker); ok {
		if exists, err := checker.Exists(ctx, key); err == nil && exists {
			return t.objects.ObjectURL(key), nil
		}
	}

	source, err := t.fetcher.Fetch(ctx, inputURL)
	if err != nil {
		return "", fmt.Errorf("fetch stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	data, err := t.resize(source)
	if err != nil {
		return "", fmt.Errorf("transform stage: %w", err)
	}

	if err := t.objects.WriteObject(ctx, key, data, contentTypeForFormat(t.format)); err != nil {
		return "", fmt.Errorf("emit stage: %w", err)
	}
	return t.objects.ObjectURL(key), nil
}

func (t *ObjectStoreTransformer) resize(source []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(source), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	if img.Bounds().Dx() > t.width {
		img = imaging.Resize(img, t.width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	switch t.format {
	case "jpeg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.quality))
	default:
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.format, err)
	}
	return buf.Bytes(), nil
}

func (t *ObjectStoreTransformer) objectKey(inputURL string) string {
	sum := sha256.Sum256([]byte(inputURL))
	return path.Join(
		t.prefix,
		hex.EncodeToString(sum[:8]),
		fmt.Sprintf("w%d.%s", t.width, t.format),
	)
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg", "jpeg", "":
		return "jpeg"
	default:
		return "png"
	}
}

func contentTypeForFormat(format string) string {
	if format == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}
