// Package dataset materializes a job's training data into a local scratch
// file, either from an inline record list or by fetching a remote URL.
package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const fetchTimeout = 60 * time.Second

// ErrNoSource is returned when a job carries neither inline data nor a URL.
var ErrNoSource = errors.New("no dataset provided (neither inline nor URL)")

// ErrTooLarge is returned when a remote dataset's declared size exceeds the
// configured ceiling.
var ErrTooLarge = errors.New("dataset too large")

// Materializer writes job datasets into a working directory.
type Materializer struct {
	workDir  string
	maxBytes int64
	client   *http.Client
}

// NewMaterializer creates a materializer writing under workDir with the given
// size ceiling (bytes) for URL-fetched datasets.
func NewMaterializer(workDir string, maxBytes int64) *Materializer {
	return &Materializer{
		workDir:  workDir,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: fetchTimeout},
	}
}

// Materialize writes the dataset for a run to a file and returns its path.
// Exactly one of inline or url must be set. The caller owns the returned file
// and must remove it when the job finishes, regardless of outcome.
func (m *Materializer) Materialize(ctx context.Context, runID string, inline []json.RawMessage, url string) (string, error) {
	dir := filepath.Join(m.workDir, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "dataset-"+runID+".json")

	switch {
	case len(inline) > 0:
		data, err := json.Marshal(inline)
		if err != nil {
			return "", fmt.Errorf("encode inline dataset: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write inline dataset: %w", err)
		}
	case url != "":
		if err := m.fetch(ctx, url, path); err != nil {
			return "", err
		}
	default:
		return "", ErrNoSource
	}

	return path, nil
}

// fetch downloads a remote dataset, decompresses and normalizes it, and
// writes it as a JSON array to dst.
//
// The size ceiling is checked against the declared Content-Length first, so
// honest oversized sources are rejected before any body bytes are read. The
// body read is capped regardless, and a source that omitted or understated
// the header is rejected once the cap overflows.
func (m *Materializer) fetch(ctx context.Context, url, dst string) error {
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return fmt.Errorf("dataset URL must use HTTPS or HTTP, got %q", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build dataset request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch dataset: unexpected status %d", resp.StatusCode)
	}

	if resp.ContentLength > 0 && resp.ContentLength > m.maxBytes {
		return fmt.Errorf("%w: %d bytes > %d byte limit", ErrTooLarge, resp.ContentLength, m.maxBytes)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return fmt.Errorf("read dataset body: %w", err)
	}
	if int64(len(content)) > m.maxBytes {
		return fmt.Errorf("%w: body exceeds %d byte limit", ErrTooLarge, m.maxBytes)
	}

	if isGzip(url, resp.Header.Get("Content-Type")) {
		content, err = gunzip(content)
		if err != nil {
			return fmt.Errorf("decompress dataset: %w", err)
		}
	}

	records, err := parseRecords(url, content)
	if err != nil {
		return err
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}

// parseRecords decodes the fetched content as JSON-Lines or a JSON value,
// depending on the URL suffix.
func parseRecords(url string, content []byte) (any, error) {
	if strings.HasSuffix(url, ".jsonl") || strings.HasSuffix(url, ".jsonl.gz") {
		var records []json.RawMessage
		for line := range strings.Lines(string(content)) {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var rec json.RawMessage
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return nil, fmt.Errorf("parse JSONL record: %w", err)
			}
			records = append(records, rec)
		}
		return records, nil
	}

	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parse dataset JSON: %w", err)
	}
	return data, nil
}

func isGzip(url, contentType string) bool {
	return strings.Contains(contentType, "gzip") || strings.HasSuffix(url, ".gz")
}

func gunzip(content []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
