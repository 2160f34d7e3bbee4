// Copyright 2024-2026 Aiku AI

package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/wa-webhook-relay/pkg/connectivity"
)

type statusOutput struct {
	Connected    bool   `json:"isConnected"`
	HasPendingQR bool   `json:"hasPendingQr"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	StatePath    string `json:"statePath"`
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the last recorded connection state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := connectivity.Open(ctx, cfg.Session.StatePath, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open connectivity store: %w", err)
	}
	defer store.Close()

	st, err := store.ReadDurable(ctx)
	if err != nil {
		return fmt.Errorf("failed to read connectivity state: %w", err)
	}
	out := statusOutput{
		Connected:    st.Connected,
		HasPendingQR: st.HasPendingQR(),
		StatePath:    cfg.Session.StatePath,
	}
	if !st.UpdatedAt.IsZero() {
		out.UpdatedAt = st.UpdatedAt.Format("2006-01-02 15:04:05 MST")
	}

	w := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	state := "disconnected"
	switch {
	case st.Connected:
		state = "connected"
	case st.HasPendingQR():
		state = "waiting for QR scan"
	}
	_, _ = fmt.Fprintf(w, "State:      %s\n", state)
	if out.UpdatedAt != "" {
		_, _ = fmt.Fprintf(w, "Updated at: %s\n", out.UpdatedAt)
	}
	_, _ = fmt.Fprintf(w, "State file: %s\n", out.StatePath)
	return nil
}
