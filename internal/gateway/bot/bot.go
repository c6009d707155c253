package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattermost/mattermost-server/v6/model"
	"github.com/rs/zerolog"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const (
	maxRetries     = 5
	reconnectDelay = 3 * time.Second

	defaultHTTPTimeout = 10 * time.Second
	voteWorkers        = 8
	voteQueueDepth     = 64
)

type Config struct {
	Server   string
	Token    string
	Team     string
	UserName string
	// HTTPTimeout bounds every REST call to the server.
	HTTPTimeout time.Duration
}

// VoteSink receives the reaction events of every post.
type VoteSink interface {
	Publish(ev domain.VoteEvent) int
}

// PollingBot connects the poll registry to Mattermost: it posts and edits poll
// displays, turns reactions into vote events and answers /poll commands.
type PollingBot struct {
	cfg             Config
	client          *model.Client4
	webSocketClient *model.WebSocketClient
	user            *model.User
	team            *model.Team
	votes           VoteSink
	log             zerolog.Logger

	defaultTimeout atomic.Int64
}

// NewPollingBot logs in and resolves the team. Reactions are published to votes.
func NewPollingBot(cfg Config, votes VoteSink, log zerolog.Logger) (*PollingBot, error) {
	b := &PollingBot{
		cfg:    cfg,
		client: model.NewAPIv4Client(cfg.Server),
		votes:  votes,
		log:    log.With().Str("component", "bot").Logger(),
	}
	b.client.SetToken(cfg.Token)
	b.client.HTTPClient.Timeout = defaultHTTPTimeout
	if cfg.HTTPTimeout > 0 {
		b.client.HTTPClient.Timeout = cfg.HTTPTimeout
	}
	b.SetDefaultTimeout(usecase.DefaultTimeout)

	user, _, err := b.client.GetMe("")
	if err != nil {
		return nil, fmt.Errorf("could not log in: %w", err)
	}
	b.user = user
	b.log.Info().Str("user", user.Username).Msg("logged in to mattermost")

	team, _, err := b.client.GetTeamByName(cfg.Team, "")
	if err != nil {
		return nil, fmt.Errorf("could not find team %q: %w", cfg.Team, err)
	}
	b.team = team
	b.log.Info().Str("team", team.Name).Msg("team found")

	return b, nil
}

// SelfID returns the bot's user ID.
func (b *PollingBot) SelfID() string {
	return b.user.Id
}

// SetDefaultTimeout sets the timeout of polls created without one.
func (b *PollingBot) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		b.defaultTimeout.Store(int64(d))
	}
}

func (b *PollingBot) DefaultTimeout() time.Duration {
	return time.Duration(b.defaultTimeout.Load())
}

// Listen reads the websocket until ctx is done, reconnecting when the connection drops.
func (b *PollingBot) Listen(ctx context.Context, polls PollService) error {
	commands := &commandHandler{polls: polls, defaultTimeout: b.DefaultTimeout}
	votes := newVoteDispatcher(b.votes, voteWorkers, voteQueueDepth)
	defer votes.stop()

	for attempt := 0; attempt < maxRetries; {
		ws, err := model.NewWebSocketClient4(websocketURL(b.cfg.Server), b.client.AuthToken)
		if err != nil {
			attempt++
			b.log.Warn().Err(err).Int("attempt", attempt).Msg("could not connect mattermost websocket, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectDelay):
			}
			continue
		}
		attempt = 0
		b.webSocketClient = ws
		ws.Listen()
		b.log.Info().Msg("polling bot listening now")

		if done := b.readEvents(ctx, ws, commands, votes); done {
			return nil
		}
		warn := b.log.Warn()
		if ws.ListenError != nil {
			warn = warn.Err(ws.ListenError)
		}
		warn.Msg("mattermost websocket closed, reconnecting")
	}
	return fmt.Errorf("could not connect mattermost websocket: max retries exceeded")
}

// readEvents returns true when ctx is done and false when the connection dropped.
func (b *PollingBot) readEvents(ctx context.Context, ws *model.WebSocketClient, commands *commandHandler, votes *voteDispatcher) bool {
	for {
		select {
		case event, ok := <-ws.EventChannel:
			if !ok {
				return false
			}
			b.handleWebSocketEvent(ctx, event, commands, votes)
		case <-ctx.Done():
			return true
		}
	}
}

func (b *PollingBot) Close() {
	if b.webSocketClient != nil {
		b.log.Info().Msg("closing mattermost websocket connection")
		b.webSocketClient.Close()
	}
}

func (b *PollingBot) handleWebSocketEvent(ctx context.Context, event *model.WebSocketEvent, commands *commandHandler, votes *voteDispatcher) {
	switch event.EventType() {
	case model.WebsocketEventReactionAdded, model.WebsocketEventReactionRemoved:
		ev, err := voteEvent(event.EventType(), event.GetData())
		if err != nil {
			b.log.Debug().Err(err).Msg("could not decode reaction event")
			return
		}
		votes.dispatch(ev)

	case model.WebsocketEventPosted:
		post := &model.Post{}
		eventData, ok := event.GetData()["post"].(string)
		if !ok {
			b.log.Debug().Msg("could not cast event data to string")
			return
		}
		if err := json.Unmarshal([]byte(eventData), post); err != nil {
			b.log.Debug().Err(err).Msg("could not unmarshal event to *model.Post")
			return
		}
		if post.UserId == b.user.Id {
			return
		}
		go b.handlePost(ctx, post, commands)
	}
}

func (b *PollingBot) handlePost(ctx context.Context, post *model.Post, commands *commandHandler) {
	cmd, ok, err := parseCommand(post.Message)
	if !ok {
		return
	}
	b.log.Debug().Str("user", post.UserId).Str("msg", post.Message).Msg("handling command")
	if err != nil {
		b.Respond(ctx, post, err.Error())
		return
	}

	reply := commands.execute(ctx, request{
		UserID:    post.UserId,
		ChannelID: post.ChannelId,
		PostID:    post.Id,
	}, cmd)
	if reply.err != nil {
		b.log.Error().Err(reply.err).Str("user", post.UserId).Msg("command failed")
	}
	if reply.text != "" {
		b.Respond(ctx, post, reply.text)
	}
}

// Respond posts msg as a reply in the thread of post.
func (b *PollingBot) Respond(_ context.Context, post *model.Post, msg string) {
	resp := &model.Post{}
	resp.ChannelId = post.ChannelId
	resp.Message = msg
	resp.RootId = post.Id
	if post.RootId != "" {
		resp.RootId = post.RootId
	}

	if _, _, err := b.client.CreatePost(resp); err != nil {
		b.log.Error().Err(err).Str("post", post.Id).Msg("could not respond to post")
	}
}

// voteEvent converts a reaction websocket event to a vote event.
func voteEvent(eventType string, data map[string]interface{}) (domain.VoteEvent, error) {
	var kind domain.EventKind
	switch eventType {
	case model.WebsocketEventReactionAdded:
		kind = domain.VoteSelect
	case model.WebsocketEventReactionRemoved:
		kind = domain.VoteDeselect
	default:
		return domain.VoteEvent{}, fmt.Errorf("unexpected event %q", eventType)
	}

	raw, ok := data["reaction"].(string)
	if !ok {
		return domain.VoteEvent{}, fmt.Errorf("event %q has no reaction", eventType)
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(raw), &reaction); err != nil {
		return domain.VoteEvent{}, fmt.Errorf("could not unmarshal reaction: %w", err)
	}
	return domain.VoteEvent{
		Kind:      kind,
		DisplayID: reaction.PostId,
		ActorID:   reaction.UserId,
		Marker:    reaction.EmojiName,
	}, nil
}

// websocketURL turns https://host into wss://host as the websocket client expects.
func websocketURL(server string) string {
	if rest, ok := strings.CutPrefix(server, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(server, "http://"); ok {
		return "ws://" + rest
	}
	return server
}
