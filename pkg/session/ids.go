// Copyright 2024-2026 Aiku AI

package session

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// normalizePhone strips formatting from a phone number and returns the
// bare digits, or "" if the input is not a phone number.
func normalizePhone(identifier string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(identifier) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0, r == ' ', r == '-', r == '(', r == ')', r == '.':
		default:
			return ""
		}
	}
	return b.String()
}

// ParseRecipient converts a caller-supplied identifier into a JID. Full
// JIDs ("123@s.whatsapp.net", "123-456@g.us") are parsed as-is; anything
// else is treated as a phone number on the default user server.
func ParseRecipient(identifier string) (types.JID, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return types.EmptyJID, fmt.Errorf("empty identifier")
	}
	if strings.ContainsRune(identifier, '@') {
		jid, err := types.ParseJID(identifier)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid JID %q: %w", identifier, err)
		}
		return jid, nil
	}
	phone := normalizePhone(identifier)
	if phone == "" {
		return types.EmptyJID, fmt.Errorf("invalid phone number %q", identifier)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

// lookupQuery returns the "+<digits>" form used for existence checks, and
// false for identifiers that cannot be checked that way (groups,
// newsletters, hidden user IDs).
func lookupQuery(jid types.JID) (string, bool) {
	if jid.Server != types.DefaultUserServer {
		return "", false
	}
	return "+" + jid.User, true
}

// MakeMessageKey builds the opaque message key relayed to webhooks.
func MakeMessageKey(info types.MessageInfo) MessageKey {
	key := MessageKey{
		RemoteJID: info.Chat.String(),
		FromMe:    info.IsFromMe,
		ID:        info.ID,
	}
	if info.IsGroup {
		key.Participant = info.Sender.String()
	}
	return key
}
