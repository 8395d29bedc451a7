package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/version"
)

// ErrRejected means the server refused the sample itself; resending the
// same sample will not help.
var ErrRejected = errors.New("sample rejected")

// Outcome mirrors one entry of the server's ingest result.
type Outcome struct {
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
	Outcome string  `json:"outcome"`
	Alert   *struct {
		ID       int64  `json:"id"`
		Severity string `json:"severity"`
	} `json:"alert,omitempty"`
}

// Ack is the server's reply to an accepted sample.
type Ack struct {
	Accepted bool      `json:"accepted"`
	ClientID string    `json:"clientId"`
	Outcomes []Outcome `json:"outcomes"`
}

type Reporter struct {
	httpClient *http.Client
	serverURL  string
	password   string
	sessionID  string
}

func NewReporter(serverURL, password, sessionID string, insecureSkipTLS bool) *Reporter {
	transport := &http.Transport{}
	if insecureSkipTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Reporter{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		serverURL: serverURL,
		password:  password,
		sessionID: sessionID,
	}
}

// Report posts one sample to the ingest endpoint.
func (r *Reporter) Report(ctx context.Context, payload models.IngestRequest) (*Ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/api/v1/metrics", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Password", r.password)
	req.Header.Set("X-Agent-Session", r.sessionID)
	req.Header.Set("User-Agent", "sentinel-agent/"+version.Version)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send sample: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("authentication failed: check your password")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited by server")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: %s", ErrRejected, serverMessage(resp))
	case resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &ack, nil
}

func serverMessage(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%s (status %d)", body.Error, resp.StatusCode)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// Ping checks that the server answers its health endpoint.
func (r *Reporter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.serverURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "sentinel-agent/"+version.Version)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
