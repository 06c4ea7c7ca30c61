package messaging

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

	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/pkg/logging"
)

const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// GraphConfig controls how the Graph API provider behaves.
type GraphConfig struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	PageID        string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
}

// GraphProvider sends messages through the Meta Graph API. WhatsApp sends go
// through the Cloud API phone number; page and Instagram sends go through the
// page messages edge.
type GraphProvider struct {
	baseURL       string
	accessToken   string
	phoneNumberID string
	pageID        string
	httpClient    *http.Client
	logger        *logging.Logger
}

// NewGraphProvider creates a configured provider.
func NewGraphProvider(cfg GraphConfig) (*GraphProvider, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("messaging: graph access token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &GraphProvider{
		baseURL:       baseURL,
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		pageID:        cfg.PageID,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

type waTextBody struct {
	Body string `json:"body"`
}

type waSendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             waTextBody `json:"text"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type pageSendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"`
}

type pageSendResponse struct {
	MessageID string `json:"message_id"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send dispatches one message. The caller's dispatcher owns idempotency; a
// retried HTTP call here can double-send, which is exactly why the ledger
// insert happens first.
func (p *GraphProvider) Send(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	switch req.Channel {
	case events.ChannelWhatsApp:
		return p.sendWhatsApp(ctx, req)
	case events.ChannelFacebook, events.ChannelInstagram:
		return p.sendPageMessage(ctx, req)
	default:
		return ProviderResult{}, fmt.Errorf("messaging: graph provider does not handle channel %q", req.Channel)
	}
}

func (p *GraphProvider) sendWhatsApp(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	if p.phoneNumberID == "" {
		return ProviderResult{}, errors.New("messaging: whatsapp phone number id not configured")
	}
	payload := waSendRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(req.Recipient, "+"),
		Type:             "text",
		Text:             waTextBody{Body: req.Text},
	}
	var resp waSendResponse
	if err := p.post(ctx, fmt.Sprintf("%s/%s/messages", p.baseURL, p.phoneNumberID), payload, &resp); err != nil {
		return ProviderResult{}, err
	}
	if len(resp.Messages) == 0 {
		return ProviderResult{}, errors.New("messaging: whatsapp send returned no message id")
	}
	return ProviderResult{ProviderMessageID: resp.Messages[0].ID}, nil
}

func (p *GraphProvider) sendPageMessage(ctx context.Context, req ProviderRequest) (ProviderResult, error) {
	if p.pageID == "" {
		return ProviderResult{}, errors.New("messaging: page id not configured")
	}
	payload := pageSendRequest{MessagingType: "RESPONSE"}
	payload.Recipient.ID = req.Recipient
	payload.Message.Text = req.Text

	var resp pageSendResponse
	if err := p.post(ctx, fmt.Sprintf("%s/%s/messages", p.baseURL, p.pageID), payload, &resp); err != nil {
		return ProviderResult{}, err
	}
	return ProviderResult{ProviderMessageID: resp.MessageID}, nil
}

func (p *GraphProvider) post(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("messaging: marshal graph request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messaging: build graph request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("messaging: graph request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("messaging: read graph response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var ge graphError
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			return fmt.Errorf("messaging: graph api %d: %s (code %d)", httpResp.StatusCode, ge.Error.Message, ge.Error.Code)
		}
		return fmt.Errorf("messaging: graph api status %d", httpResp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("messaging: decode graph response: %w", err)
	}
	return nil
}

// StubProvider logs sends instead of performing them. Used in development
// when no Graph API credentials are configured.
type StubProvider struct {
	logger *logging.Logger
}

// NewStubProvider creates a provider that only logs.
func NewStubProvider(logger *logging.Logger) *StubProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubProvider{logger: logger}
}

func (p *StubProvider) Send(_ context.Context, req ProviderRequest) (ProviderResult, error) {
	p.logger.Info("stub provider send",
		"channel", string(req.Channel),
		"recipient", req.Recipient,
		"chars", len(req.Text),
	)
	return ProviderResult{ProviderMessageID: "stub-" + fmt.Sprintf("%d", time.Now().UnixNano())}, nil
}
