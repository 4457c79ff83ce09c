package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// HTTPOracle forwards decryption batches to an external
// confidential-compute endpoint. The post is fire-and-forget: the oracle
// answers through the callback entry points, never in this response.
type HTTPOracle struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

var _ Oracle = (*HTTPOracle)(nil)

// NewHTTPOracle constructs an oracle client for the provided endpoint.
func NewHTTPOracle(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPOracle, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse oracle endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("oracle-http")
	}
	return &HTTPOracle{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (o *HTTPOracle) RequestDecryption(ctx context.Context, requestID uint64, ciphertexts []string) error {
	payload, err := json.Marshal(struct {
		RequestID   uint64   `json:"request_id"`
		Ciphertexts []string `json:"ciphertexts"`
		Callback    string   `json:"callback"`
	}{
		RequestID:   requestID,
		Ciphertexts: ciphertexts,
		Callback:    "/oracle/callback",
	})
	if err != nil {
		return fmt.Errorf("marshal oracle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	o.log.WithField("request_id", requestID).
		WithField("handles", len(ciphertexts)).
		Debug("decryption batch forwarded to oracle")
	return nil
}
