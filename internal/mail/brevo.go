// Package mail delivers verification codes.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"idlink/internal/verification/ports"
	dErrors "idlink/pkg/domain-errors"
)

const (
	DefaultBrevoBaseURL = "https://api.brevo.com"
	brevoSendPath       = "/v3/smtp/email"
	maxErrorBody        = 1 << 10
)

type BrevoConfig struct {
	BaseURL    string
	APIKey     string
	TemplateID int64
	ReplyTo    string
	Timeout    time.Duration
}

// BrevoMailer sends the code through Brevo's transactional template API.
type BrevoMailer struct {
	cfg    BrevoConfig
	client *http.Client
}

type brevoAddress struct {
	Email string `json:"email"`
}

type brevoRequest struct {
	To         []brevoAddress    `json:"to"`
	ReplyTo    *brevoAddress     `json:"replyTo,omitempty"`
	TemplateID int64             `json:"templateId"`
	Params     map[string]string `json:"params"`
}

func NewBrevoMailer(cfg BrevoConfig, client *http.Client) *BrevoMailer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBrevoBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &BrevoMailer{cfg: cfg, client: client}
}

func (m *BrevoMailer) SendCode(ctx context.Context, msg ports.CodeMail) error {
	body := brevoRequest{
		To:         []brevoAddress{{Email: msg.To}},
		TemplateID: m.cfg.TemplateID,
		Params: map[string]string{
			"userid": msg.RequesterTag,
			"code":   msg.Code,
		},
	}
	if m.cfg.ReplyTo != "" {
		body.ReplyTo = &brevoAddress{Email: m.cfg.ReplyTo}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode mail request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+brevoSendPath, bytes.NewReader(payload))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build mail request")
	}
	req.Header.Set("api-key", m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDelivery, "send mail")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return dErrors.Wrap(
			fmt.Errorf("brevo status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			dErrors.CodeDelivery, "mail provider rejected request",
		)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
