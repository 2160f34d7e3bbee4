// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// ErrNotLoggedIn is returned by outbound operations before pairing.
var ErrNotLoggedIn = errors.New("whatsapp session not logged in")

// WhatsAppFactory creates whatsmeow-backed handles. Credentials live in a
// SQLite device store inside the credentials directory; the container is
// opened once and shared by all handles of the process.
type WhatsAppFactory struct {
	log zerolog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	dir       string
}

var _ Factory = (*WhatsAppFactory)(nil)

// NewWhatsAppFactory creates a factory that logs through log. deviceName
// is shown in the linked devices list of the phone.
func NewWhatsAppFactory(log zerolog.Logger, deviceName string) *WhatsAppFactory {
	if deviceName != "" {
		store.SetOSInfo(deviceName, [3]uint32{0, 1, 0})
	}
	return &WhatsAppFactory{log: log.With().Str("component", "whatsapp").Logger()}
}

func (f *WhatsAppFactory) getContainer(ctx context.Context, credentialsDir string) (*sqlstore.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.container != nil && f.dir == credentialsDir {
		return f.container, nil
	}
	if err := os.MkdirAll(credentialsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.Join(credentialsDir, "whatsmeow.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Zerolog(f.log.With().Str("db_section", "whatsmeow").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	f.container = container
	f.dir = credentialsDir
	return container, nil
}

// Create builds a new, not yet connected, handle.
func (f *WhatsAppFactory) Create(ctx context.Context, credentialsDir string, emit EmitFunc) (Handle, error) {
	container, err := f.getContainer(ctx, credentialsDir)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Zerolog(f.log.With().Str("db_section", "client").Logger()))
	// Reconnection is owned by the lifecycle controller.
	client.EnableAutoReconnect = false

	h := &whatsAppHandle{
		client: client,
		device: device,
		emit:   emit,
		log:    f.log,
	}
	h.handlerID = client.AddEventHandler(h.handleEvent)
	return h, nil
}

type whatsAppHandle struct {
	client    *whatsmeow.Client
	device    *store.Device
	emit      EmitFunc
	log       zerolog.Logger
	handlerID uint32

	closeOnce sync.Once
	qrCancel  context.CancelFunc
}

var _ Handle = (*whatsAppHandle)(nil)

func (h *whatsAppHandle) Connect(ctx context.Context) error {
	if h.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		h.qrCancel = cancel
		qrChan, err := h.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go h.forwardQR(qrChan)
	}
	if err := h.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (h *whatsAppHandle) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(&QRIssued{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			h.log.Info().Msg("QR pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			h.log.Warn().Msg("QR pairing timed out")
			h.emit(&Closed{Reason: CloseOther, Err: errors.New("qr pairing timed out")})
		default:
			h.log.Warn().Str("qr_event", item.Event).AnErr("qr_error", item.Error).Msg("QR pairing failed")
			h.emit(&Closed{Reason: CloseOther, Err: item.Error})
		}
	}
}

func (h *whatsAppHandle) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		h.emit(&Opened{})
	case *events.PairSuccess:
		h.log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("Paired new device")
		h.emit(&CredsUpdate{Material: h.device})
	case *events.LoggedOut:
		h.log.Warn().Bool("on_connect", evt.OnConnect).Str("reason", evt.Reason.String()).Msg("Logged out")
		h.emit(&Closed{Reason: CloseLoggedOut})
	case *events.StreamReplaced:
		h.emit(&Closed{Reason: CloseOther, Err: errors.New("stream replaced by another client")})
	case *events.TemporaryBan:
		h.emit(&Closed{Reason: CloseOther, Err: fmt.Errorf("temporary ban: %s", evt.String())})
	case *events.ConnectFailure:
		h.emit(&Closed{Reason: CloseOther, Err: fmt.Errorf("connect failure: %s", evt.Reason.String())})
	case *events.Disconnected:
		h.emit(&Closed{Reason: CloseOther})
	case *events.Message:
		h.emit(&MessageReceived{Message: convertMessage(evt)})
	}
}

// convertMessage extracts the text body the same way for plain and
// extended (reply/link preview) text messages.
func convertMessage(evt *events.Message) InboundMessage {
	msg := InboundMessage{
		Sender:    evt.Info.Sender.String(),
		FromSelf:  evt.Info.IsFromMe,
		Key:       MakeMessageKey(evt.Info),
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}
	if ext := evt.Message.GetExtendedTextMessage(); ext != nil && ext.Text != nil {
		msg.Text = proto.String(ext.GetText())
	} else if evt.Message != nil && evt.Message.Conversation != nil {
		msg.Text = proto.String(evt.Message.GetConversation())
	}
	return msg
}

func (h *whatsAppHandle) Disconnect() {
	h.closeOnce.Do(func() {
		if h.qrCancel != nil {
			h.qrCancel()
		}
		h.client.RemoveEventHandler(h.handlerID)
		h.client.Disconnect()
	})
}

func (h *whatsAppHandle) Logout(ctx context.Context) error {
	if h.client.Store.ID == nil {
		return ErrNotLoggedIn
	}
	if err := h.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

func (h *whatsAppHandle) Send(ctx context.Context, id, text string) error {
	if h.client.Store.ID == nil {
		return ErrNotLoggedIn
	}
	jid, err := ParseRecipient(id)
	if err != nil {
		return err
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	h.log.Debug().Str("to", jid.String()).Str("message_id", resp.ID).Msg("Sent message")
	return nil
}

func (h *whatsAppHandle) Lookup(ctx context.Context, identifier string) (LookupResult, error) {
	jid, err := ParseRecipient(identifier)
	if err != nil {
		return LookupResult{}, nil
	}
	query, ok := lookupQuery(jid)
	if !ok {
		return LookupResult{Exists: true, CanonicalID: jid.String()}, nil
	}
	resp, err := h.client.IsOnWhatsApp(ctx, []string{query})
	if err != nil {
		return LookupResult{}, fmt.Errorf("failed to check recipient: %w", err)
	}
	for _, item := range resp {
		if item.IsIn {
			return LookupResult{Exists: true, CanonicalID: item.JID.String()}, nil
		}
	}
	return LookupResult{}, nil
}

func (h *whatsAppHandle) SetPresence(ctx context.Context, id string, state PresenceState) error {
	jid, err := ParseRecipient(id)
	if err != nil {
		return err
	}
	presence := types.ChatPresenceComposing
	if state == PresencePaused {
		presence = types.ChatPresencePaused
	}
	if err = h.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("failed to send presence: %w", err)
	}
	return nil
}

func (h *whatsAppHandle) PersistCredentials(ctx context.Context, material any) error {
	device, ok := material.(*store.Device)
	if !ok || device == nil {
		return fmt.Errorf("unexpected credential material %T", material)
	}
	if err := device.Save(ctx); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}
