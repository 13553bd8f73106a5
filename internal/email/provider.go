package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// APIClient delivers through a MailerSend compatible HTTP API.
type APIClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	Limiter *rate.Limiter
}

var _ Mailer = (*APIClient)(nil)

type apiAddress struct {
	Email string `json:"email"`
}

type apiAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Disposition string `json:"disposition"`
}

type apiRequest struct {
	From        apiAddress      `json:"from"`
	To          []apiAddress    `json:"to"`
	Subject     string          `json:"subject"`
	HTML        string          `json:"html"`
	Attachments []apiAttachment `json:"attachments,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider status %d", e.Code)
}

func (c *APIClient) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	if c.Token == "" {
		return DeliveryResult{}, errors.New("provider api token is not configured")
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return DeliveryResult{}, fmt.Errorf("provider rate limit wait: %w", err)
		}
	}

	body := apiRequest{
		From:    apiAddress{Email: msg.From},
		To:      []apiAddress{{Email: msg.To}},
		Subject: msg.Subject,
		HTML:    RenderHTML(msg.HTML, msg.ImageURLs),
	}
	for _, a := range msg.Attachments {
		body.Attachments = append(body.Attachments, apiAttachment{
			Filename:    a.Filename,
			Content:     a.Data,
			Disposition: "attachment",
		})
	}
	if msg.CampaignID != "" {
		body.Tags = []string{msg.CampaignID}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return DeliveryResult{}, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.mailersend.com"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/email", bytes.NewReader(payload))
	if err != nil {
		return DeliveryResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var out apiError
		_ = json.Unmarshal(raw, &out)
		return DeliveryResult{}, &StatusError{Code: resp.StatusCode, Message: out.Message}
	}

	return DeliveryResult{
		MessageID:  resp.Header.Get("X-Message-Id"),
		AcceptedAt: time.Now(),
	}, nil
}
