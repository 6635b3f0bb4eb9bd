package usage

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Archiver batches usage rows into NDJSON objects in S3. The archive is a
// cold copy for analytics; the postgres row remains the source of truth, so
// a failed upload is logged and dropped, never retried into backpressure.
type Archiver struct {
	client *s3.Client
	cfg    config.ArchiveConfig
	log    *observability.Logger

	mu    sync.Mutex
	batch []*types.UsageLog
}

// NewArchiver creates an archiver from config. Call Run to start the flush
// loop.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, log *observability.Logger) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Path-style keeps custom endpoints (minio etc.) working.
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, cfg: cfg, log: log}, nil
}

// Offer queues one row for the next flush. Never blocks.
func (a *Archiver) Offer(row *types.UsageLog) {
	a.mu.Lock()
	a.batch = append(a.batch, row)
	full := len(a.batch) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		go a.Flush(context.Background())
	}
}

// Run flushes on the configured interval until the context is canceled,
// then performs a final flush.
func (a *Archiver) Run(ctx context.Context) {
	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// Flush uploads the pending batch as one object.
func (a *Archiver) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.batch
	a.batch = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	body, err := a.encode(batch)
	if err != nil {
		a.log.RedactedError("encode archive batch failed", "rows", len(batch), "error", err)
		return
	}

	key := a.objectKey(time.Now().UTC())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		a.log.RedactedError("archive upload failed", "key", key, "rows", len(batch), "error", err)
		return
	}
	a.log.RedactedDebug("archived usage batch", "key", key, "rows", len(batch))
}

func (a *Archiver) encode(batch []*types.UsageLog) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range batch {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	if !a.cfg.Compression {
		return buf.Bytes(), nil
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return gzBuf.Bytes(), nil
}

func (a *Archiver) objectKey(now time.Time) string {
	ext := "ndjson"
	if a.cfg.Compression {
		ext = "ndjson.gz"
	}
	prefix := a.cfg.PathPrefix
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return fmt.Sprintf("%s%s/usage-%s-%s.%s",
		prefix, now.Format("2006/01/02"), now.Format("150405"), uuid.NewString()[:8], ext)
}
