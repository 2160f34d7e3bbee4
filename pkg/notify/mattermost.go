// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package notify

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// MattermostSink posts status changes to a Mattermost channel as the bot
// or user owning the token.
type MattermostSink struct {
	*textSink
	client    *model.Client4
	channelID string
}

var _ Sink = (*MattermostSink)(nil)

// NewMattermostSink verifies the token and starts the posting worker.
func NewMattermostSink(ctx context.Context, log zerolog.Logger, serverURL, token, channelID string) (*MattermostSink, error) {
	if serverURL == "" || token == "" || channelID == "" {
		return nil, fmt.Errorf("mattermost sink needs server_url, token and channel_id")
	}
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify mattermost token: %w", err)
	}

	ms := &MattermostSink{
		client:    client,
		channelID: channelID,
	}
	log = log.With().Str("component", "mm_sink").Str("channel_id", channelID).Logger()
	ms.textSink = newTextSink(log, ms.createPost)
	log.Info().
		Str("server_url", serverURL).
		Str("mm_username", me.Username).
		Str("mm_user_id", me.Id).
		Msg("Mattermost status sink ready")
	return ms, nil
}

func (ms *MattermostSink) createPost(ctx context.Context, text string) error {
	_, _, err := ms.client.CreatePost(ctx, &model.Post{
		ChannelId: ms.channelID,
		Message:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}
