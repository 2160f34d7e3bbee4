// Copyright 2024-2026 Aiku AI

package connectivity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpen_FirstBootIsDisconnected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { _ = s.Close() })

	st := s.Read()
	if st.Connected || st.PendingQR != "" {
		t.Fatalf("expected zero state on first boot, got %+v", st)
	}
}

func TestWrite_SurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	if err := s.Write(ctx, State{PendingQR: "data:image/png;base64,AAAA"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.Read(); got.PendingQR != "data:image/png;base64,AAAA" || got.Connected {
		t.Fatalf("unexpected in-memory state: %+v", got)
	}
	_ = s.Close()

	s = openTestStore(t, path)
	t.Cleanup(func() { _ = s.Close() })
	got := s.Read()
	if got.Connected || got.PendingQR != "data:image/png;base64,AAAA" {
		t.Fatalf("state not restored after reopen: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be restored")
	}

	if err := s.Write(ctx, State{Connected: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	durable, err := s.ReadDurable(ctx)
	if err != nil {
		t.Fatalf("ReadDurable: %v", err)
	}
	if !durable.Connected || durable.PendingQR != "" {
		t.Fatalf("durable record not overwritten: %+v", durable)
	}
}

func TestWrite_RejectsConnectedWithQR(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { _ = s.Close() })

	err := s.Write(context.Background(), State{Connected: true, PendingQR: "qr"})
	if err == nil {
		t.Fatal("expected invalid state to be rejected")
	}
	if s.Read().Connected {
		t.Error("rejected state must not reach memory")
	}
}

func TestOpen_CorruptedRecordFallsBackToZero(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	_, err := s.db.Exec(ctx, putStateQuery, true, "stale-qr", int64(1))
	if err != nil {
		t.Fatalf("failed to inject corrupted row: %v", err)
	}
	_ = s.Close()

	s = openTestStore(t, path)
	t.Cleanup(func() { _ = s.Close() })
	if got := s.Read(); got.Connected || got.PendingQR != "" {
		t.Fatalf("expected zero state for corrupted record, got %+v", got)
	}
}

func TestOpen_NotADatabaseIsMovedAside(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	garbage := []byte("this is definitely not an sqlite file, just some bytes\n")
	if err := os.WriteFile(path, garbage, 0o600); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, path)
	t.Cleanup(func() { _ = s.Close() })
	if got := s.Read(); got.Connected || got.PendingQR != "" {
		t.Fatalf("expected zero state after replacing garbage file, got %+v", got)
	}
	if err := s.Write(context.Background(), State{PendingQR: "qr"}); err != nil {
		t.Fatalf("fresh database is not writable: %v", err)
	}

	kept, err := os.ReadFile(path + ".corrupt")
	if err != nil {
		t.Fatalf("expected the unusable file to be kept aside: %v", err)
	}
	if string(kept) != string(garbage) {
		t.Errorf("moved file content changed: %q", kept)
	}
}

func TestWrite_PersistenceFailureKeepsMemory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	_ = s.Close()

	err := s.Write(context.Background(), State{Connected: true})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !s.Read().Connected {
		t.Error("in-memory state should be updated even when the disk write fails")
	}
}

func TestState_Helpers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		state   State
		valid   bool
		pending bool
	}{
		{"zero", State{}, true, false},
		{"awaiting scan", State{PendingQR: "x"}, true, true},
		{"open", State{Connected: true}, true, false},
		{"invalid", State{Connected: true, PendingQR: "x"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.state.HasPendingQR(); got != tt.pending {
				t.Errorf("HasPendingQR() = %v, want %v", got, tt.pending)
			}
		})
	}
	if !(State{PendingQR: "a"}).Equal(State{PendingQR: "a"}) {
		t.Error("expected equal states")
	}
}
