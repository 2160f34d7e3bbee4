// Copyright 2024-2026 Aiku AI

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	textQueueSize   = 32
	textPostTimeout = 15 * time.Second

	scanRequiredNotice = "WhatsApp needs to be paired: open the relay page and scan the QR code."
)

// textSink turns broadcasts into chat messages posted by a single worker,
// so messages arrive in broadcast order. QR rotations are collapsed into
// one notice per pairing attempt.
type textSink struct {
	log  zerolog.Logger
	post func(ctx context.Context, text string) error

	queue    chan string
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	qrSeen bool
}

func newTextSink(log zerolog.Logger, post func(ctx context.Context, text string) error) *textSink {
	ts := &textSink{
		log:      log,
		post:     post,
		queue:    make(chan string, textQueueSize),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go ts.run()
	return ts
}

func (ts *textSink) QRChanged(image string) {
	ts.mu.Lock()
	announce := image != "" && !ts.qrSeen
	ts.qrSeen = image != ""
	ts.mu.Unlock()
	if announce {
		ts.enqueue(scanRequiredNotice)
	}
}

func (ts *textSink) StatusChanged(text string) {
	ts.enqueue(text)
}

// Connected is covered by the status text that precedes it.
func (ts *textSink) Connected() {}

func (ts *textSink) enqueue(text string) {
	select {
	case <-ts.stopChan:
		return
	default:
	}
	select {
	case ts.queue <- text:
	default:
		ts.log.Warn().Str("text", text).Msg("Notification queue full, dropping message")
	}
}

func (ts *textSink) run() {
	defer close(ts.done)
	for {
		select {
		case <-ts.stopChan:
			return
		case text := <-ts.queue:
			ctx, cancel := context.WithTimeout(context.Background(), textPostTimeout)
			if err := ts.post(ctx, text); err != nil {
				ts.log.Warn().Err(err).Msg("Failed to post notification")
			}
			cancel()
		}
	}
}

// Close stops the worker. Queued messages that were not posted yet are
// dropped.
func (ts *textSink) Close() {
	ts.stopOnce.Do(func() {
		close(ts.stopChan)
	})
	<-ts.done
}
