package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"midsoc/internal/schema"
)

// CompressionType selects how archived artifacts are encoded.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// ErrArtifactTooLarge is returned for artifacts above MaxSize.
var ErrArtifactTooLarge = errors.New("s3: artifact exceeds archive size limit")

// ArchiverConfig controls artifact archiving.
type ArchiverConfig struct {
	// KeyTemplate supports {tool}, {date}, {id} and {name}.
	KeyTemplate string          `yaml:"key_template"`
	Compression CompressionType `yaml:"compression"`
	MaxSize     int64           `yaml:"max_size"`
}

// DefaultArchiverConfig returns the default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		KeyTemplate: "artifacts/{tool}/{date}/{id}-{name}",
		Compression: CompressionZstd,
		MaxSize:     256 * 1024 * 1024,
	}
}

// Validate checks the archiver configuration.
func (c ArchiverConfig) Validate() error {
	switch c.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("s3: unsupported compression %q", c.Compression)
	}
	if !strings.Contains(c.KeyTemplate, "{id}") {
		return errors.New("s3: key_template must contain {id}")
	}
	return nil
}

// Archiver copies artifacts to S3 before they are deleted locally.
type Archiver struct {
	client *Client
	config ArchiverConfig
	logger *slog.Logger
	now    func() time.Time

	archived atomic.Int64
	failed   atomic.Int64
}

// NewArchiver creates a new Archiver.
func NewArchiver(client *Client, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client: client,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Archive uploads the artifact's current content. It satisfies
// dispatch.Archiver.
func (a *Archiver) Archive(ctx context.Context, artifact schema.RawArtifact) error {
	data, err := a.read(artifact.Path)
	if err != nil {
		a.failed.Add(1)
		return err
	}

	body, encoding, err := a.compress(data)
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("s3: failed to compress %s: %w", filepath.Base(artifact.Path), err)
	}

	out, err := a.client.Upload(ctx, &UploadInput{
		Key:             a.key(artifact),
		Body:            body,
		ContentType:     contentType(artifact.Path),
		ContentEncoding: encoding,
		Metadata: map[string]string{
			"artifact-id":   artifact.ID.String(),
			"producer":      string(artifact.Producer),
			"observed-at":   artifact.ObservedAt.UTC().Format(time.RFC3339Nano),
			"original-size": fmt.Sprint(len(data)),
		},
	})
	if err != nil {
		a.failed.Add(1)
		return err
	}

	a.archived.Add(1)
	a.logger.Info("artifact archived",
		"artifact_id", artifact.ID,
		"location", out.Location,
		"size", len(data),
		"stored", out.Size,
	)
	return nil
}

func (a *Archiver) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to open artifact: %w", err)
	}
	defer f.Close()

	r := io.Reader(f)
	if a.config.MaxSize > 0 {
		r = io.LimitReader(f, a.config.MaxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read artifact: %w", err)
	}
	if a.config.MaxSize > 0 && int64(len(data)) > a.config.MaxSize {
		return nil, fmt.Errorf("%w: %s", ErrArtifactTooLarge, filepath.Base(path))
	}
	return data, nil
}

// compress returns the encoded body and its Content-Encoding.
func (a *Archiver) compress(data []byte) ([]byte, string, error) {
	switch a.config.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, "", err
		}
		if err := gw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), "zstd", nil
	default:
		return data, "", nil
	}
}

func decompress(data []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case CompressionGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

func (a *Archiver) key(artifact schema.RawArtifact) string {
	observed := artifact.ObservedAt
	if observed.IsZero() {
		observed = a.now()
	}
	key := strings.NewReplacer(
		"{tool}", string(artifact.Producer),
		"{date}", observed.UTC().Format("2006/01/02"),
		"{id}", artifact.ID.String(),
		"{name}", filepath.Base(artifact.Path),
	).Replace(a.config.KeyTemplate)

	switch a.config.Compression {
	case CompressionGzip:
		key += ".gz"
	case CompressionZstd:
		key += ".zst"
	}
	return key
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "text/csv"
	case ".json", ".jsonl", ".ndjson":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

// ArchiverMetrics holds archiver statistics.
type ArchiverMetrics struct {
	Archived int64 `json:"archived"`
	Failed   int64 `json:"failed"`
}

// GetMetrics returns archiver statistics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		Archived: a.archived.Load(),
		Failed:   a.failed.Load(),
	}
}
