// Copyright 2024-2026 Aiku AI

// Package connectivity holds the durable record of whether the WhatsApp
// session is open and which QR challenge, if any, is waiting to be scanned.
//
// The record has exactly one writer (the lifecycle controller) and many
// readers. Reads are served from memory; writes update memory first and
// then replace the single database row, so a failed disk write never
// leaves the running process with a stale view.
package connectivity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/wa-webhook-relay/pkg/connectivity/upgrades"
)

// ErrPersistence marks a failed durable write. The in-memory state was
// still updated when it is returned.
var ErrPersistence = errors.New("connectivity state not persisted")

// State is the connectivity record. PendingQR is empty when no challenge
// is waiting.
type State struct {
	Connected bool      `json:"isConnected"`
	PendingQR string    `json:"pendingQr,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Valid reports whether the state satisfies connected => no pending QR.
func (s State) Valid() bool {
	return !s.Connected || s.PendingQR == ""
}

// HasPendingQR reports whether a QR challenge is waiting to be scanned.
func (s State) HasPendingQR() bool {
	return s.PendingQR != ""
}

// Equal compares the observable fields, ignoring UpdatedAt.
func (s State) Equal(other State) bool {
	return s.Connected == other.Connected && s.PendingQR == other.PendingQR
}

// Store persists State in a single-row SQLite table.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	mu    sync.RWMutex
	state State
}

const (
	getStateQuery = `SELECT connected, pending_qr, updated_at FROM connectivity_state WHERE id=0`
	putStateQuery = `
		INSERT INTO connectivity_state (id, connected, pending_qr, updated_at)
		VALUES (0, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET connected=excluded.connected, pending_qr=excluded.pending_qr, updated_at=excluded.updated_at
	`
)

// Open opens (creating if needed) the database at path and loads the last
// written state. A missing or unreadable record yields the zero state. A
// file that cannot be opened as a state database is moved to
// path+".corrupt" and replaced with a fresh one.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	log = log.With().Str("component", "connectivity").Logger()
	db, err := openDatabase(ctx, path, log)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("State database is unusable, moving it aside")
		if err = moveAside(path); err != nil {
			return nil, err
		}
		if db, err = openDatabase(ctx, path, log); err != nil {
			return nil, err
		}
	}

	s := &Store{db: db, log: log}
	state, err := s.ReadDurable(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Unreadable connectivity record, starting disconnected")
		state = State{}
	}
	s.state = state
	return s, nil
}

func openDatabase(ctx context.Context, path string, log zerolog.Logger) (*dbutil.Database, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log)
	db.VersionTable = "connectivity_version"
	db.UpgradeTable = upgrades.Table
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade state database: %w", err)
	}
	return db, nil
}

// moveAside renames the database and its WAL side files out of the way.
func moveAside(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(path+suffix, path+suffix+".corrupt")
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to move unusable state database aside: %w", err)
		}
	}
	return nil
}

// ReadDurable reads the record from disk. A missing row is not an error.
// A row that breaks the connected/QR invariant is reported as an error.
func (s *Store) ReadDurable(ctx context.Context) (State, error) {
	var (
		state     State
		pendingQR sql.NullString
		updatedAt int64
	)
	err := s.db.QueryRow(ctx, getStateQuery).Scan(&state.Connected, &pendingQR, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	} else if err != nil {
		return State{}, fmt.Errorf("failed to read connectivity record: %w", err)
	}
	state.PendingQR = pendingQR.String
	state.UpdatedAt = time.UnixMilli(updatedAt)
	if !state.Valid() {
		return State{}, fmt.Errorf("corrupted connectivity record: connected with pending QR")
	}
	return state, nil
}

// Read returns the last written state.
func (s *Store) Read() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Write replaces the record. The in-memory state is updated even if the
// durable write fails; the returned error then wraps ErrPersistence.
func (s *Store) Write(ctx context.Context, state State) error {
	if !state.Valid() {
		return fmt.Errorf("refusing to write connected state with pending QR")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	var pendingQR sql.NullString
	if state.PendingQR != "" {
		pendingQR = sql.NullString{String: state.PendingQR, Valid: true}
	}
	_, err := s.db.Exec(ctx, putStateQuery, state.Connected, pendingQR, state.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
