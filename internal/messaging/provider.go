package messaging

import (
	"context"

	"github.com/gulfbridge/crm-automation/internal/events"
)

// ProviderRequest is one physical send handed to a channel provider.
type ProviderRequest struct {
	Channel        events.Channel
	Recipient      string
	Text           string
	TemplateName   string
	TemplateParams map[string]string
}

// ProviderResult carries the provider's acknowledgment.
type ProviderResult struct {
	ProviderMessageID string
}

// Provider sends messages on a channel. Implementations may retry
// internally, so callers must never assume a second call is side-effect
// free; the dispatcher's ledger guards that.
type Provider interface {
	Send(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}
