package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ForwardPath is the leader endpoint followers post commands to. The
// command type is appended as the last path segment.
const ForwardPath = "/system/cluster/leases/"

type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder forwards commands with client, or with a traced client
// with a short timeout when client is nil.
func NewHTTPForwarder(client *http.Client) *HTTPForwarder {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Second,
		}
	}
	return &HTTPForwarder{client: client}
}

func (f *HTTPForwarder) Forward(ctx context.Context, apiAddr string, cmd Command) (lease.Lease, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("failed to marshal forwarded command: %w", err)
	}
	url := apiAddr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + ForwardPath + string(cmd.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return lease.Lease{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("failed to forward %s command to leader %s: %w", cmd.Type, apiAddr, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("failed to read leader response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return lease.Lease{}, fmt.Errorf("leader %s answered %d: %s", apiAddr, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var res ForwardResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return lease.Lease{}, fmt.Errorf("leader %s answered %d: %s", apiAddr, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return res.Result()
}
