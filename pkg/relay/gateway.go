// Copyright 2024-2026 Aiku AI

// Package relay moves messages between the WhatsApp session and the
// downstream automation: inbound chat messages are posted to webhooks and
// outbound requests are validated before reaching the session.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/exslices"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/wa-webhook-relay/pkg/connectivity"
	"github.com/aiku/wa-webhook-relay/pkg/lifecycle"
	"github.com/aiku/wa-webhook-relay/pkg/session"
)

const defaultWebhookTimeout = 30 * time.Second

// Payload is the JSON body posted to every webhook.
type Payload struct {
	ID      session.MessageKey `json:"id"`
	Message *string            `json:"message"`
}

// StatusReport summarizes connectivity for HTTP clients.
type StatusReport struct {
	Connected    bool   `json:"isConnected"`
	HasPendingQR bool   `json:"hasPendingQr"`
	Phase        string `json:"state"`
}

// Session is the subset of the lifecycle controller used by the gateway.
type Session interface {
	Phase() lifecycle.Phase
	Lookup(ctx context.Context, identifier string) (session.LookupResult, error)
	Send(ctx context.Context, id, text string) error
	SetPresence(ctx context.Context, id string, state session.PresenceState) error
}

// StateReader exposes the last written connectivity record.
type StateReader interface {
	Read() connectivity.State
}

// Options configures a Gateway.
type Options struct {
	WebhookURLs    []string
	WebhookTimeout time.Duration
	// Client overrides the HTTP client used for webhooks.
	Client *http.Client
}

// Gateway relays inbound messages to webhooks and gates outbound requests
// on connectivity.
type Gateway struct {
	log     zerolog.Logger
	session Session
	state   StateReader
	urls    []string
	client  *http.Client
}

var _ lifecycle.InboundHandler = (*Gateway)(nil)

// NewGateway creates a gateway.
func NewGateway(log zerolog.Logger, sess Session, state StateReader, opts Options) *Gateway {
	client := opts.Client
	if client == nil {
		timeout := opts.WebhookTimeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		client = exhttp.SensibleClientSettings.WithGlobalTimeout(timeout).Compile()
	}
	return &Gateway{
		log:     log.With().Str("component", "relay").Logger(),
		session: sess,
		state:   state,
		urls:    opts.WebhookURLs,
		client:  client,
	}
}

// WebhookURLs builds the webhook list: the explicit URLs followed by the
// two n8n endpoints when n8nURL is set. Empty and duplicate entries are
// removed.
func WebhookURLs(n8nURL string, explicit []string) []string {
	urls := make([]string, 0, len(explicit)+2)
	for _, u := range explicit {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if base := strings.TrimRight(strings.TrimSpace(n8nURL), "/"); base != "" {
		urls = append(urls, base+"/webhook-test/whatsapp", base+"/webhook/whatsapp")
	}
	return exslices.DeduplicateUnsorted(urls)
}

// URLs returns the configured webhook URLs.
func (g *Gateway) URLs() []string {
	return g.urls
}

// HandleInbound posts a received message to every webhook. Messages sent
// by the session's own account are dropped.
func (g *Gateway) HandleInbound(ctx context.Context, msg session.InboundMessage) {
	log := g.log.With().
		Str("message_id", msg.Key.ID).
		Str("sender", msg.Sender).
		Logger()
	if msg.FromSelf {
		log.Trace().Msg("Ignoring own message")
		return
	}
	if len(g.urls) == 0 {
		log.Debug().Msg("No webhooks configured, dropping message")
		return
	}

	body, err := json.Marshal(&Payload{ID: msg.Key, Message: msg.Text})
	if err != nil {
		log.Err(err).Msg("Failed to marshal webhook payload")
		return
	}

	var eg errgroup.Group
	for _, url := range g.urls {
		eg.Go(func() error {
			if err := g.post(ctx, url, body); err != nil {
				log.Err(err).Str("webhook_url", url).Msg("Failed to deliver message to webhook")
			} else {
				log.Debug().Str("webhook_url", url).Msg("Delivered message to webhook")
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Gateway) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (g *Gateway) requireConnected() error {
	if !g.state.Read().Connected {
		return ErrNotConnected
	}
	return nil
}

// SendMessage sends text to recipient after checking connectivity and
// resolving the recipient.
func (g *Gateway) SendMessage(ctx context.Context, recipient, text string) error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || text == "" {
		return ErrInvalidRequest
	}
	res, err := g.session.Lookup(ctx, recipient)
	if err != nil {
		return fmt.Errorf("%w: lookup: %w", ErrDeliveryFailed, err)
	}
	if !res.Exists {
		return ErrRecipientNotFound
	}
	target := res.CanonicalID
	if target == "" {
		target = recipient
	}
	if err = g.session.Send(ctx, target, text); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	g.log.Debug().Str("recipient", target).Msg("Sent outbound message")
	return nil
}

// SetTyping shows the composing indicator to recipient.
func (g *Gateway) SetTyping(ctx context.Context, recipient string) error {
	if err := g.requireConnected(); err != nil {
		return err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return ErrInvalidRequest
	}
	if err := g.session.SetPresence(ctx, recipient, session.PresenceComposing); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// Status reports the current connectivity.
func (g *Gateway) Status() StatusReport {
	st := g.state.Read()
	return StatusReport{
		Connected:    st.Connected,
		HasPendingQR: st.HasPendingQR(),
		Phase:        g.session.Phase().String(),
	}
}

// QRImage returns the pending QR data URL, if any.
func (g *Gateway) QRImage() (string, bool) {
	st := g.state.Read()
	return st.PendingQR, st.HasPendingQR()
}
