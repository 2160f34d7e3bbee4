// Copyright 2024-2026 Aiku AI

// Package session defines the contract between the lifecycle controller
// and the messaging protocol client, and implements it on top of
// whatsmeow.
//
// A Handle is one live connection attempt. It reports what happens to it
// through the EmitFunc it was created with; it never calls back into the
// controller in any other way. Handles are disposable: after a recoverable
// disconnect the controller throws the old handle away and asks the
// Factory for a new one.
package session

import (
	"context"
	"time"
)

// CloseReason classifies why a session closed.
type CloseReason int

const (
	// CloseOther is any disconnect that may succeed on retry.
	CloseOther CloseReason = iota
	// CloseLoggedOut means the stored credentials were invalidated.
	CloseLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseLoggedOut:
		return "logged_out"
	default:
		return "other"
	}
}

// Event is one notification emitted by a Handle.
type Event interface {
	isEvent()
}

// QRIssued carries a fresh pairing challenge.
type QRIssued struct {
	Code string
}

// Opened reports the session is authenticated and usable.
type Opened struct{}

// Closed reports the session ended.
type Closed struct {
	Reason CloseReason
	Err    error
}

// MessageReceived carries one inbound chat message.
type MessageReceived struct {
	Message InboundMessage
}

// CredsUpdate carries credential material that must be persisted.
type CredsUpdate struct {
	Material any
}

func (*QRIssued) isEvent()        {}
func (*Opened) isEvent()          {}
func (*Closed) isEvent()          {}
func (*MessageReceived) isEvent() {}
func (*CredsUpdate) isEvent()     {}

// MessageKey identifies a message on the network. The JSON shape is the
// one downstream automations already consume.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// InboundMessage is one received chat message. Text is nil for messages
// without a text body (media, reactions, ...).
type InboundMessage struct {
	Sender    string
	Text      *string
	FromSelf  bool
	Key       MessageKey
	PushName  string
	Timestamp time.Time
}

// LookupResult is the outcome of resolving an identifier on the network.
type LookupResult struct {
	Exists      bool
	CanonicalID string
}

// PresenceState is a chat presence sent to a recipient.
type PresenceState string

const (
	PresenceComposing PresenceState = "composing"
	PresencePaused    PresenceState = "paused"
)

// EmitFunc receives events from a Handle. It must not block for long.
type EmitFunc func(Event)

// Handle is one live session.
type Handle interface {
	// Connect starts the session. Progress and failures after a nil
	// return are reported through the EmitFunc.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down without emitting further events
	// that matter to the caller.
	Disconnect()
	// Logout invalidates the credentials remotely.
	Logout(ctx context.Context) error

	Send(ctx context.Context, id, text string) error
	Lookup(ctx context.Context, identifier string) (LookupResult, error)
	SetPresence(ctx context.Context, id string, state PresenceState) error
	PersistCredentials(ctx context.Context, material any) error
}

// Factory creates handles bound to the credentials in credentialsDir.
type Factory interface {
	Create(ctx context.Context, credentialsDir string, emit EmitFunc) (Handle, error)
}
