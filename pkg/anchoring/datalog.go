package anchoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DatalogClient records content IDs through a datalog ledger service.
type DatalogClient struct {
	url    string
	token  string
	client *http.Client
}

// NewDatalogClient creates a ledger client posting to url.
func NewDatalogClient(url, token string, timeout time.Duration) (*DatalogClient, error) {
	if url == "" {
		return nil, fmt.Errorf("ledger url required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DatalogClient{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type datalogRequest struct {
	Data string `json:"data"`
}

type datalogResponse struct {
	TxnHash string `json:"txn_hash"`
}

// Record writes contentID to the datalog and returns the transaction hash.
func (d *DatalogClient) Record(ctx context.Context, contentID string) (string, error) {
	payload, err := json.Marshal(datalogRequest{Data: contentID})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post datalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ledger returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out datalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ledger response: %w", err)
	}
	if out.TxnHash == "" {
		return "", fmt.Errorf("ledger did not return a transaction hash")
	}
	return out.TxnHash, nil
}
