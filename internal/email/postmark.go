package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const templateEndpoint = "https://api.postmarkapp.com/email/withTemplate"

type Client struct {
	serverToken   string
	fromEmail     string
	templateAlias string
	httpClient    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, templateAlias string, opts ...Option) *Client {
	c := &Client{
		serverToken:   serverToken,
		fromEmail:     fromEmail,
		templateAlias: templateAlias,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token and template are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.templateAlias != ""
}

type templateEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	TemplateAlias string `json:"TemplateAlias"`
	TemplateModel any    `json:"TemplateModel"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

type apiError struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// SendTemplate renders the configured template with the given model and sends
// it to toEmail.
func (c *Client) SendTemplate(ctx context.Context, toEmail, tag string, model any) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token or template")
	}
	if toEmail == "" {
		return fmt.Errorf("email: missing recipient")
	}

	payload := templateEmail{
		From:          c.fromEmail,
		To:            toEmail,
		TemplateAlias: c.templateAlias,
		TemplateModel: model,
		Tag:           tag,
		MessageStream: "outbound",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", templateEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ae); err == nil && ae.Message != "" {
			return fmt.Errorf("postmark API error: status %d: %s (code %d)", resp.StatusCode, ae.Message, ae.ErrorCode)
		}
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
