package anchoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/passportd/passportd/pkg/engine"
)

// GatewayClient uploads files to an IPFS gateway service.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewGatewayClient creates a gateway client. timeout bounds every request.
func NewGatewayClient(baseURL string, timeout time.Duration) (*GatewayClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway url required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type gatewayResponse struct {
	Status   bool   `json:"status"`
	Details  string `json:"details"`
	IPFSCID  string `json:"ipfs_cid"`
	IPFSLink string `json:"ipfs_link"`
}

// Upload posts data as the multipart field file_data to /upload-file.
// The uploader is passed in the username header.
func (g *GatewayClient) Upload(ctx context.Context, data []byte, metadata map[string]string) (engine.ContentRef, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	name := "protocol.json"
	if id := metadata["protocol_id"]; id != "" {
		name = id + ".json"
	}
	part, err := w.CreateFormFile("file_data", name)
	if err != nil {
		return engine.ContentRef{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return engine.ContentRef{}, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return engine.ContentRef{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/upload-file", &body)
	if err != nil {
		return engine.ContentRef{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if username := metadata["username"]; username != "" {
		req.Header.Set("username", username)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return engine.ContentRef{}, fmt.Errorf("upload to gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return engine.ContentRef{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return engine.ContentRef{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if out.IPFSCID == "" {
		return engine.ContentRef{}, fmt.Errorf("gateway did not return a content id: %s", out.Details)
	}
	return engine.ContentRef{ContentID: out.IPFSCID, Link: out.IPFSLink}, nil
}
