// Copyright 2024-2026 Aiku AI

package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// MatrixSink sends status changes as m.notice messages to a Matrix room.
type MatrixSink struct {
	*textSink
	client *mautrix.Client
	roomID id.RoomID
}

var _ Sink = (*MatrixSink)(nil)

// NewMatrixSink verifies the access token and starts the posting worker.
func NewMatrixSink(ctx context.Context, log zerolog.Logger, homeserverURL, userID, accessToken, roomID string) (*MatrixSink, error) {
	if homeserverURL == "" || accessToken == "" || roomID == "" {
		return nil, fmt.Errorf("matrix sink needs homeserver_url, access_token and room_id")
	}
	client, err := mautrix.NewClient(homeserverURL, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify matrix access token: %w", err)
	}
	client.UserID = whoami.UserID

	ms := &MatrixSink{
		client: client,
		roomID: id.RoomID(roomID),
	}
	log = log.With().Str("component", "matrix_sink").Str("room_id", roomID).Logger()
	ms.textSink = newTextSink(log, ms.sendNotice)
	log.Info().Str("user_id", string(whoami.UserID)).Msg("Matrix status sink ready")
	return ms, nil
}

func (ms *MatrixSink) sendNotice(ctx context.Context, text string) error {
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgNotice
	if _, err := ms.client.SendMessageEvent(ctx, ms.roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
