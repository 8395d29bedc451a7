package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/serversentinel/sentinel/internal/apperr"
	"github.com/serversentinel/sentinel/internal/models"
)

const pushoverAPI = "https://api.pushover.net/1/messages.json"

// PushoverSender delivers push notifications to the recipient's Pushover
// user key.
type PushoverSender struct {
	AppToken string `toml:"app_token"`
	APIURL   string `toml:"api_url"`

	client *http.Client
}

func NewPushoverSender(appToken string) *PushoverSender {
	return &PushoverSender{AppToken: appToken, APIURL: pushoverAPI, client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *PushoverSender) Channel() models.Channel { return models.ChannelPush }

func (p *PushoverSender) Validate() error {
	if p.AppToken == "" {
		return fmt.Errorf("app_token is required")
	}
	return nil
}

func (p *PushoverSender) Send(ctx context.Context, to models.User, n Notice) error {
	if to.PushKey == "" {
		return ErrNoAddress
	}

	priority := "0" // normal
	if n.Kind == models.JobAlertCreated && n.Alert.Severity == models.SeverityCritical {
		priority = "1" // high
	}

	data := url.Values{}
	data.Set("token", p.AppToken)
	data.Set("user", to.PushKey)
	data.Set("title", Subject(n))
	data.Set("message", Body(n))
	data.Set("priority", priority)

	apiURL := p.APIURL
	if apiURL == "" {
		apiURL = pushoverAPI
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("send pushover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("pushover API error (status %d): %s", resp.StatusCode, string(respBody))
		// 4xx other than throttling means the request itself is bad.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return apperr.MarkPermanent(err)
		}
		return err
	}
	return nil
}

func (p *PushoverSender) httpClient() *http.Client {
	if p.client != nil {
		return p.client
	}
	return http.DefaultClient
}
