package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/config"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// Destination receives finished reports.
type Destination interface {
	Name() string
	// Deliver sends the run's report. Errors wrapped with backoff.Permanent
	// are not retried.
	Deliver(ctx context.Context, run *models.WorkflowRun) error
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// LogDestination writes reports to the application log.
type LogDestination struct {
	logger *zap.Logger
}

// NewLogDestination creates a log destination.
func NewLogDestination(logger *zap.Logger) *LogDestination {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDestination{logger: logger.Named("report")}
}

func (d *LogDestination) Name() string { return "log" }

func (d *LogDestination) Deliver(_ context.Context, run *models.WorkflowRun) error {
	rep := run.Report
	if rep == nil {
		return backoff.Permanent(fmt.Errorf("run %s has no report", run.RunID))
	}
	d.logger.Info("incident report",
		zap.String("run_id", run.RunID),
		zap.String("fingerprint", run.IncidentFingerprint),
		zap.String("incident", run.IncidentName),
		zap.String("state", string(run.State)),
		zap.String("confidence", string(rep.Confidence)),
		zap.Bool("partial", rep.Partial),
		zap.String("summary", rep.Summary),
		zap.String("root_cause", rep.RootCause),
		zap.Strings("recommendations", rep.Recommendations),
		zap.Int("tool_calls", len(run.History)),
	)
	return nil
}

// ─── Webhook ─────────────────────────────────────────────────────────────────

// WebhookPayload is the JSON body posted to webhook receivers.
type WebhookPayload struct {
	RunID       string          `json:"run_id"`
	Fingerprint string          `json:"fingerprint"`
	Incident    string          `json:"incident"`
	State       models.RunState `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	ToolCalls   int             `json:"tool_calls"`
	Report      *models.Report  `json:"report"`
	Markdown    string          `json:"markdown"`
}

// WebhookDestination posts reports as JSON.
type WebhookDestination struct {
	url    string
	client *http.Client
}

// NewWebhookDestination creates a webhook destination.
func NewWebhookDestination(url string, timeout time.Duration) *WebhookDestination {
	return &WebhookDestination{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *WebhookDestination) Name() string { return "webhook" }

func (d *WebhookDestination) Deliver(ctx context.Context, run *models.WorkflowRun) error {
	body, err := json.Marshal(WebhookPayload{
		RunID:       run.RunID,
		Fingerprint: run.IncidentFingerprint,
		Incident:    run.IncidentName,
		State:       run.State,
		Reason:      run.Reason,
		ToolCalls:   len(run.History),
		Report:      run.Report,
		Markdown:    RenderMarkdown(run),
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	// Receivers deduplicate redeliveries on the run ID.
	req.Header.Set("Idempotency-Key", run.RunID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

// ─── Object store ────────────────────────────────────────────────────────────

// ObjectStoreDestination archives markdown reports in an S3-compatible bucket.
type ObjectStoreDestination struct {
	client *minio.Client
	bucket string
	prefix string

	mu       sync.Mutex
	bucketOK bool
}

// NewObjectStoreDestination connects to the bucket endpoint. The bucket is
// created on first delivery when missing.
func NewObjectStoreDestination(cfg config.ObjectStoreConfig) (*ObjectStoreDestination, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "incident-reports"
	}
	return &ObjectStoreDestination{client: client, bucket: bucket, prefix: cfg.Prefix}, nil
}

func (d *ObjectStoreDestination) Name() string { return "object_store" }

// ObjectKey returns where a run's report is stored.
func (d *ObjectStoreDestination) ObjectKey(run *models.WorkflowRun) string {
	return path.Join(d.prefix, run.IncidentFingerprint, run.RunID+".md")
}

func (d *ObjectStoreDestination) Deliver(ctx context.Context, run *models.WorkflowRun) error {
	if err := d.ensureBucket(ctx); err != nil {
		return err
	}
	body := []byte(RenderMarkdown(run))
	opts := minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"run-id":      run.RunID,
			"fingerprint": run.IncidentFingerprint,
			"state":       string(run.State),
		},
	}
	if run.Report != nil {
		opts.UserMetadata["confidence"] = string(run.Report.Confidence)
	}
	_, err := d.client.PutObject(ctx, d.bucket, d.ObjectKey(run), bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		return fmt.Errorf("put report object: %w", err)
	}
	return nil
}

func (d *ObjectStoreDestination) ensureBucket(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bucketOK {
		return nil
	}
	exists, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", d.bucket, err)
	}
	if !exists {
		if err := d.client.MakeBucket(ctx, d.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", d.bucket, err)
		}
	}
	d.bucketOK = true
	return nil
}

// FromConfig builds the configured destinations.
func FromConfig(cfg *config.Config, logger *zap.Logger) ([]Destination, error) {
	var out []Destination
	for _, name := range cfg.Publisher.Destinations {
		switch strings.TrimSpace(name) {
		case "log":
			out = append(out, NewLogDestination(logger))
		case "webhook":
			out = append(out, NewWebhookDestination(cfg.Publisher.WebhookURL, cfg.Publisher.WebhookTimeout))
		case "object_store":
			d, err := NewObjectStoreDestination(cfg.Publisher.ObjectStore)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		default:
			return nil, fmt.Errorf("unknown report destination %q", name)
		}
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
