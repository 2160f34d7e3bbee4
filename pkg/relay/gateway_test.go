// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-webhook-relay/pkg/connectivity"
	"github.com/aiku/wa-webhook-relay/pkg/lifecycle"
	"github.com/aiku/wa-webhook-relay/pkg/session"
)

type fakeSession struct {
	mu          sync.Mutex
	lookups     []string
	sends       []string
	presences   []string
	lookup      session.LookupResult
	lookupErr   error
	sendErr     error
	presenceErr error
}

func (f *fakeSession) Phase() lifecycle.Phase { return lifecycle.PhaseOpen }

func (f *fakeSession) Lookup(_ context.Context, identifier string) (session.LookupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, identifier)
	return f.lookup, f.lookupErr
}

func (f *fakeSession) Send(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, id+"|"+text)
	return f.sendErr
}

func (f *fakeSession) SetPresence(_ context.Context, id string, state session.PresenceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, id+"|"+string(state))
	return f.presenceErr
}

type staticState connectivity.State

func (s staticState) Read() connectivity.State { return connectivity.State(s) }

// webhookReceiver records request bodies and answers with a fixed status.
type webhookReceiver struct {
	Server *httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	types  []string
}

func newWebhookReceiver(t *testing.T, status int) *webhookReceiver {
	t.Helper()
	wr := &webhookReceiver{}
	wr.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		wr.mu.Lock()
		wr.bodies = append(wr.bodies, body)
		wr.types = append(wr.types, r.Header.Get("Content-Type"))
		wr.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(wr.Server.Close)
	return wr
}

func (wr *webhookReceiver) Bodies() [][]byte {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return slices.Clone(wr.bodies)
}

func newTestGateway(sess Session, state connectivity.State, urls ...string) *Gateway {
	return NewGateway(zerolog.Nop(), sess, staticState(state), Options{
		WebhookURLs:    urls,
		WebhookTimeout: 2 * time.Second,
	})
}

func textPtr(s string) *string { return &s }

func TestHandleInbound_PostsToEveryWebhook(t *testing.T) {
	t.Parallel()
	a := newWebhookReceiver(t, http.StatusOK)
	b := newWebhookReceiver(t, http.StatusOK)
	gw := newTestGateway(&fakeSession{}, connectivity.State{Connected: true}, a.Server.URL, b.Server.URL)

	gw.HandleInbound(context.Background(), session.InboundMessage{
		Sender: "15551234567@s.whatsapp.net",
		Text:   textPtr("hello"),
		Key:    session.MessageKey{RemoteJID: "15551234567@s.whatsapp.net", ID: "M1"},
	})

	for name, wr := range map[string]*webhookReceiver{"a": a, "b": b} {
		bodies := wr.Bodies()
		if len(bodies) != 1 {
			t.Fatalf("webhook %s got %d requests, want 1", name, len(bodies))
		}
		var got struct {
			ID      map[string]any `json:"id"`
			Message *string        `json:"message"`
		}
		if err := json.Unmarshal(bodies[0], &got); err != nil {
			t.Fatalf("webhook %s: invalid JSON %q: %v", name, bodies[0], err)
		}
		if got.Message == nil || *got.Message != "hello" {
			t.Errorf("webhook %s: message = %v, want hello", name, got.Message)
		}
		if got.ID["id"] != "M1" || got.ID["remoteJid"] != "15551234567@s.whatsapp.net" || got.ID["fromMe"] != false {
			t.Errorf("webhook %s: unexpected key %v", name, got.ID)
		}
		wr.mu.Lock()
		contentType := wr.types[0]
		wr.mu.Unlock()
		if contentType != "application/json" {
			t.Errorf("webhook %s: content type %q", name, contentType)
		}
	}
}

func TestHandleInbound_NullMessage(t *testing.T) {
	t.Parallel()
	wr := newWebhookReceiver(t, http.StatusOK)
	gw := newTestGateway(&fakeSession{}, connectivity.State{Connected: true}, wr.Server.URL)

	gw.HandleInbound(context.Background(), session.InboundMessage{Key: session.MessageKey{ID: "M2"}})

	bodies := wr.Bodies()
	if len(bodies) != 1 {
		t.Fatalf("got %d requests, want 1", len(bodies))
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bodies[0], &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["message"]) != "null" {
		t.Errorf("message = %s, want null", raw["message"])
	}
}

func TestHandleInbound_DropsOwnMessages(t *testing.T) {
	t.Parallel()
	wr := newWebhookReceiver(t, http.StatusOK)
	gw := newTestGateway(&fakeSession{}, connectivity.State{Connected: true}, wr.Server.URL)

	gw.HandleInbound(context.Background(), session.InboundMessage{
		Text:     textPtr("echo"),
		FromSelf: true,
		Key:      session.MessageKey{ID: "M3", FromMe: true},
	})
	if n := len(wr.Bodies()); n != 0 {
		t.Fatalf("own message was relayed %d times", n)
	}
}

func TestHandleInbound_FailingWebhookDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	bad := newWebhookReceiver(t, http.StatusInternalServerError)
	good := newWebhookReceiver(t, http.StatusOK)
	gw := newTestGateway(&fakeSession{}, connectivity.State{Connected: true},
		"http://127.0.0.1:1/unreachable", bad.Server.URL, good.Server.URL)

	gw.HandleInbound(context.Background(), session.InboundMessage{Text: textPtr("hi"), Key: session.MessageKey{ID: "M4"}})

	if n := len(good.Bodies()); n != 1 {
		t.Errorf("healthy webhook got %d requests, want 1", n)
	}
	if n := len(bad.Bodies()); n != 1 {
		t.Errorf("failing webhook got %d requests, want exactly 1 (no retry)", n)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	adapterErr := errors.New("socket closed")
	tests := []struct {
		name      string
		state     connectivity.State
		recipient string
		text      string
		sess      *fakeSession
		wantErr   error
		wantLook  int
		wantSends []string
	}{{
		name:      "not connected",
		state:     connectivity.State{PendingQR: "data:image/png;base64,AA"},
		recipient: "15551234567",
		text:      "hi",
		sess:      &fakeSession{},
		wantErr:   ErrNotConnected,
	}, {
		name:      "not connected wins over empty fields",
		state:     connectivity.State{},
		sess:      &fakeSession{},
		wantErr:   ErrNotConnected,
	}, {
		name:      "missing message",
		state:     connectivity.State{Connected: true},
		recipient: "15551234567",
		sess:      &fakeSession{},
		wantErr:   ErrInvalidRequest,
	}, {
		name:      "blank recipient",
		state:     connectivity.State{Connected: true},
		recipient: " \t ",
		text:      "hi",
		sess:      &fakeSession{lookup: session.LookupResult{Exists: true}},
		wantErr:   ErrInvalidRequest,
	}, {
		name:      "unknown recipient",
		state:     connectivity.State{Connected: true},
		recipient: "15550000000",
		text:      "hi",
		sess:      &fakeSession{lookup: session.LookupResult{Exists: false}},
		wantErr:   ErrRecipientNotFound,
		wantLook:  1,
	}, {
		name:      "lookup failure",
		state:     connectivity.State{Connected: true},
		recipient: "15551234567",
		text:      "hi",
		sess:      &fakeSession{lookupErr: adapterErr},
		wantErr:   ErrDeliveryFailed,
		wantLook:  1,
	}, {
		name:      "send failure",
		state:     connectivity.State{Connected: true},
		recipient: "15551234567",
		text:      "hi",
		sess:      &fakeSession{lookup: session.LookupResult{Exists: true, CanonicalID: "15551234567@s.whatsapp.net"}, sendErr: adapterErr},
		wantErr:   ErrDeliveryFailed,
		wantLook:  1,
		wantSends: []string{"15551234567@s.whatsapp.net|hi"},
	}, {
		name:      "success uses resolved id",
		state:     connectivity.State{Connected: true},
		recipient: "+1 555 123 4567",
		text:      "hi",
		sess:      &fakeSession{lookup: session.LookupResult{Exists: true, CanonicalID: "15551234567@s.whatsapp.net"}},
		wantLook:  1,
		wantSends: []string{"15551234567@s.whatsapp.net|hi"},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := newTestGateway(tt.sess, tt.state)
			err := gw.SendMessage(context.Background(), tt.recipient, tt.text)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("SendMessage() error = %v, want %v", err, tt.wantErr)
			}
			if len(tt.sess.lookups) != tt.wantLook {
				t.Errorf("lookups = %v, want %d", tt.sess.lookups, tt.wantLook)
			}
			if !slices.Equal(tt.sess.sends, tt.wantSends) {
				t.Errorf("sends = %v, want %v", tt.sess.sends, tt.wantSends)
			}
		})
	}
}

func TestSetTyping(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	gw := newTestGateway(sess, connectivity.State{})
	if err := gw.SetTyping(context.Background(), "15551234567"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SetTyping while disconnected = %v", err)
	}
	if len(sess.presences) != 0 {
		t.Fatalf("presence sent while disconnected: %v", sess.presences)
	}

	gw = newTestGateway(sess, connectivity.State{Connected: true})
	if err := gw.SetTyping(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("SetTyping with empty recipient = %v", err)
	}
	if err := gw.SetTyping(context.Background(), "   "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("SetTyping with blank recipient = %v", err)
	}
	if err := gw.SetTyping(context.Background(), "15551234567"); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if want := []string{"15551234567|composing"}; !slices.Equal(sess.presences, want) {
		t.Errorf("presences = %v, want %v", sess.presences, want)
	}
	if len(sess.lookups) != 0 {
		t.Errorf("presence must not look up the recipient, got %v", sess.lookups)
	}

	sess.presenceErr = errors.New("boom")
	if err := gw.SetTyping(context.Background(), "15551234567"); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("SetTyping with adapter failure = %v", err)
	}
}

func TestStatusAndQR(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(&fakeSession{}, connectivity.State{PendingQR: "data:image/png;base64,AA"})
	st := gw.Status()
	if st.Connected || !st.HasPendingQR || st.Phase != "open" {
		t.Errorf("unexpected status %+v", st)
	}
	qr, ok := gw.QRImage()
	if !ok || qr != "data:image/png;base64,AA" {
		t.Errorf("QRImage() = %q, %v", qr, ok)
	}
}

func TestWebhookURLs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		n8n      string
		explicit []string
		want     []string
	}{
		{"none", "", nil, []string{}},
		{"n8n only", "http://n8n:5678/", nil, []string{
			"http://n8n:5678/webhook-test/whatsapp",
			"http://n8n:5678/webhook/whatsapp",
		}},
		{"explicit and duplicates", "http://n8n:5678", []string{"https://hook.example.com", " ", "http://n8n:5678/webhook/whatsapp", "https://hook.example.com"}, []string{
			"https://hook.example.com",
			"http://n8n:5678/webhook/whatsapp",
			"http://n8n:5678/webhook-test/whatsapp",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := WebhookURLs(tt.n8n, tt.explicit); !slices.Equal(got, tt.want) {
				t.Errorf("WebhookURLs() = %v, want %v", got, tt.want)
			}
		})
	}
}
