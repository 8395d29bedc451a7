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

const twilioAPI = "https://api.twilio.com/2010-04-01"

// TwilioSender delivers SMS to the recipient's phone number.
type TwilioSender struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string

	client *http.Client
}

func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	return &TwilioSender{
		AccountSID: accountSID,
		AuthToken:  authToken,
		FromNumber: from,
		BaseURL:    twilioAPI,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *TwilioSender) Channel() models.Channel { return models.ChannelSMS }

func (t *TwilioSender) Validate() error {
	if t.AccountSID == "" {
		return fmt.Errorf("account_sid is required")
	}
	if t.AuthToken == "" {
		return fmt.Errorf("auth_token is required")
	}
	if t.FromNumber == "" {
		return fmt.Errorf("from_number is required")
	}
	return nil
}

func (t *TwilioSender) Send(ctx context.Context, to models.User, n Notice) error {
	if to.Phone == "" {
		return ErrNoAddress
	}
	body := fmt.Sprintf("%s %s", Subject(n), n.Alert.Message)
	if n.Kind == models.JobAlertUpdated {
		body = Body(n)
	}

	data := url.Values{}
	data.Set("To", to.Phone)
	data.Set("From", t.FromNumber)
	data.Set("Body", body)

	base := t.BaseURL
	if base == "" {
		base = twilioAPI
	}
	apiURL := fmt.Sprintf("%s/Accounts/%s/Messages.json", base, t.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := t.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send SMS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("twilio API error (status %d): %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return apperr.MarkPermanent(err)
		}
		return err
	}
	return nil
}
