// Copyright 2024-2026 Aiku AI

// Package notify broadcasts session state changes to observers. Every sink
// is fire-and-forget: nothing here feeds back into the lifecycle
// controller, and observers needing authoritative state must read it from
// the connectivity store.
package notify

// Sink receives state broadcasts. Implementations must not block the
// caller on network I/O.
type Sink interface {
	// QRChanged publishes a new QR image, or "" when the QR is cleared.
	QRChanged(image string)
	StatusChanged(text string)
	Connected()
}

// Multi fans a broadcast out to several sinks.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) QRChanged(image string) {
	for _, s := range m {
		s.QRChanged(image)
	}
}

func (m Multi) StatusChanged(text string) {
	for _, s := range m {
		s.StatusChanged(text)
	}
}

func (m Multi) Connected() {
	for _, s := range m {
		s.Connected()
	}
}

// Nop discards every broadcast.
type Nop struct{}

func (Nop) QRChanged(string)     {}
func (Nop) StatusChanged(string) {}
func (Nop) Connected()           {}
