package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost-server/v6/model"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

func transportErr(op string, err error) error {
	return fmt.Errorf("could not %s: %w: %w", op, usecase.ErrTransport, err)
}

func (b *PollingBot) attachments(embed usecase.Embed) []*model.SlackAttachment {
	return []*model.SlackAttachment{{
		Fallback:   embed.Title,
		Title:      embed.Title,
		AuthorName: b.displayName(embed.Author),
		Text:       strings.Join(embed.Lines, "\n"),
	}}
}

// displayName resolves a user ID to @username, falling back to the ID.
func (b *PollingBot) displayName(userID string) string {
	if userID == "" {
		return ""
	}
	user, _, err := b.client.GetUser(userID, "")
	if err != nil {
		b.log.Debug().Err(err).Str("user", userID).Msg("could not resolve user name")
		return userID
	}
	return "@" + user.Username
}

func (b *PollingBot) SendPrompt(_ context.Context, channelID string, text string, embed usecase.Embed) (string, error) {
	post := &model.Post{ChannelId: channelID, Message: text}
	post.AddProp("attachments", b.attachments(embed))

	created, _, err := b.client.CreatePost(post)
	if err != nil {
		return "", transportErr("create poll post", err)
	}
	return created.Id, nil
}

func (b *PollingBot) EditDisplay(_ context.Context, displayID string, text string, embed usecase.Embed) error {
	props := model.StringInterface{"attachments": b.attachments(embed)}
	patch := &model.PostPatch{
		Message: model.NewString(text),
		Props:   &props,
	}
	if _, _, err := b.client.PatchPost(displayID, patch); err != nil {
		return transportErr("edit poll post", err)
	}
	return nil
}

func (b *PollingBot) DeleteDisplay(_ context.Context, displayID string) error {
	resp, err := b.client.DeletePost(displayID)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return transportErr("delete poll post", err)
	}
	return nil
}

func (b *PollingBot) AttachMarkers(_ context.Context, displayID string, markers []string) error {
	for _, m := range markers {
		reaction := &model.Reaction{
			UserId:    b.user.Id,
			PostId:    displayID,
			EmojiName: m,
		}
		if _, _, err := b.client.SaveReaction(reaction); err != nil {
			return transportErr("add marker "+m, err)
		}
	}
	return nil
}

func (b *PollingBot) ResolveDisplay(_ context.Context, displayID string) error {
	post, _, err := b.client.GetPost(displayID, "")
	if err != nil {
		return transportErr("get poll post", err)
	}
	if post.DeleteAt != 0 {
		return fmt.Errorf("post %s was deleted: %w", displayID, usecase.ErrTransport)
	}
	return nil
}

func (b *PollingBot) Reactions(_ context.Context, displayID string) ([]domain.VoteEvent, error) {
	reactions, _, err := b.client.GetReactions(displayID)
	if err != nil {
		return nil, transportErr("get reactions", err)
	}
	return reactionEvents(reactions), nil
}

func reactionEvents(reactions []*model.Reaction) []domain.VoteEvent {
	res := make([]domain.VoteEvent, 0, len(reactions))
	for _, r := range reactions {
		res = append(res, domain.VoteEvent{
			Kind:      domain.VoteSelect,
			DisplayID: r.PostId,
			ActorID:   r.UserId,
			Marker:    r.EmojiName,
		})
	}
	return res
}

func (b *PollingBot) Announce(_ context.Context, channelID string, text string) error {
	if _, _, err := b.client.CreatePost(&model.Post{ChannelId: channelID, Message: text}); err != nil {
		return transportErr("post announcement", err)
	}
	return nil
}

func (b *PollingBot) Permalink(_ string, displayID string) string {
	return permalink(b.cfg.Server, b.team.Name, displayID)
}

func permalink(server, team, postID string) string {
	return fmt.Sprintf("%s/%s/pl/%s", strings.TrimSuffix(server, "/"), team, postID)
}
