// Copyright 2024-2026 Aiku AI

package relay

import "errors"

var (
	// ErrNotConnected means the session is not open; nothing was sent.
	ErrNotConnected = errors.New("whatsapp is not connected")
	// ErrInvalidRequest means a required field was empty.
	ErrInvalidRequest = errors.New("missing required field")
	// ErrRecipientNotFound means the recipient is not on the network.
	ErrRecipientNotFound = errors.New("recipient is not registered on whatsapp")
	// ErrDeliveryFailed wraps adapter failures during lookup, send or presence.
	ErrDeliveryFailed = errors.New("failed to deliver message")
)
