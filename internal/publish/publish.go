// Package publish delivers confirmed card batches to the downstream HTTP sink.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/tablewatch/internal/types"
)

// ErrPublishFailed wraps transport errors and non-200 responses.
var ErrPublishFailed = errors.New("publish failed")

// Publisher POSTs batches as JSON. A failed batch is logged and dropped.
type Publisher struct {
	endpoint  string
	client    *http.Client
	log       *slog.Logger
	published atomic.Int64
}

func New(endpoint string, timeout time.Duration, log *slog.Logger) *Publisher {
	return &Publisher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Publish sends one batch and reports whether the sink answered 200.
func (p *Publisher) Publish(ctx context.Context, batch types.Batch) bool {
	if err := p.send(ctx, batch); err != nil {
		p.log.Error("Failed to publish detection results",
			"endpoint", p.endpoint,
			"stream_id", batch.StreamID,
			"table_id", batch.TableID,
			"detections", len(batch.Detections),
			"err", err)
		return false
	}
	total := p.published.Add(1)
	p.log.Info("Published detection results",
		"endpoint", p.endpoint,
		"table_id", batch.TableID,
		"detections", len(batch.Detections),
		"total_published", total)
	return true
}

func (p *Publisher) send(ctx context.Context, batch types.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPublishFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrPublishFailed, resp.StatusCode, bytes.TrimSpace(text))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Published is the number of batches the sink accepted.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}
