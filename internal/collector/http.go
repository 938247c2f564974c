package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"safetrail/internal/model"
)

// HTTP posts each event as JSON. Any 2xx response is a delivery; everything
// else is a failure the scheduler will retry.
type HTTP struct {
	url    string
	client *http.Client
}

func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{url: url, client: client}
}

func (h *HTTP) Submit(ctx context.Context, ev model.OfflineEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Kind", string(ev.Kind))
	req.Header.Set("X-Event-Attempt", strconv.Itoa(ev.RetryCount+1))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("collector responded with status %d", resp.StatusCode)
}
