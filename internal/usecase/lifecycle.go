package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// PollView is a read-only snapshot of a running poll.
type PollView struct {
	Code      string
	ChannelID string
	OwnerID   string
	Prompt    string
	Options   []string
	Markers   []string
	Counts    []int
	CreatedAt time.Time
	Deadline  time.Time
	Remaining time.Duration
	Status    domain.Status
	Reason    domain.Reason
	DisplayID string
	// Live is false when the display could not be found after a restart.
	Live      bool
	Permalink string
}

// Lifecycle drives one poll from Open to Closed.
//
// mu serializes event handling, cancellation and expiry of the poll. Every
// transition re-checks the status under mu, so a cancel racing the deadline
// closes the poll once and the loser is a no-op.
type Lifecycle struct {
	reg    *Registry
	ledger *Ledger
	log    zerolog.Logger
	done   chan struct{}

	mu       sync.Mutex
	poll     *domain.Poll
	live     bool
	unloaded bool
	timer    stopper
	subs     []domain.SubscriptionID
}

func newLifecycle(reg *Registry, poll *domain.Poll, live bool) *Lifecycle {
	return &Lifecycle{
		reg:    reg,
		poll:   poll,
		live:   live,
		ledger: NewLedger(poll, reg.identity.SelfID(), reg.store),
		log:    reg.log.With().Str("code", poll.Code).Logger(),
		done:   make(chan struct{}),
	}
}

func (l *Lifecycle) Code() string {
	return l.poll.Code
}

func (l *Lifecycle) Ledger() *Ledger {
	return l.ledger
}

// Done is closed once the poll is closed and cleaned up.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *Lifecycle) IsOwner(userID string) bool {
	return l.poll.IsOwner(userID)
}

func (l *Lifecycle) View() PollView {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.poll
	return PollView{
		Code:      p.Code,
		ChannelID: p.ChannelID,
		OwnerID:   p.OwnerID,
		Prompt:    p.Prompt,
		Options:   append([]string(nil), p.Options...),
		Markers:   append([]string(nil), p.Markers...),
		Counts:    l.ledger.Counts(),
		CreatedAt: p.CreatedAt,
		Deadline:  p.Deadline,
		Remaining: max(p.Deadline.Sub(l.reg.now()), 0),
		Status:    p.Status,
		Reason:    p.Reason,
		DisplayID: p.DisplayID,
		Live:      l.live,
		Permalink: l.reg.transport.Permalink(p.ChannelID, p.DisplayID),
	}
}

// open posts the display, persists the poll and starts it. Called with l.mu held.
func (l *Lifecycle) open(ctx context.Context) error {
	p := l.poll
	displayID, err := l.reg.transport.SendPrompt(ctx, p.ChannelID, promptText(p), promptEmbed(p))
	if err != nil {
		return fmt.Errorf("could not post poll: %w", err)
	}
	p.DisplayID = displayID

	if err = l.reg.transport.AttachMarkers(ctx, displayID, p.Markers); err != nil {
		l.log.Warn().Err(err).Msg("could not attach markers, users may add them manually")
	}

	if err = l.reg.store.CreatePoll(ctx, p.Record()); err != nil {
		if derr := l.reg.transport.DeleteDisplay(ctx, displayID); derr != nil {
			l.log.Error().Err(derr).Msg("could not delete display of unsaved poll")
		}
		return fmt.Errorf("could not save poll: %w", err)
	}

	l.reg.add(l)
	l.start(p.Deadline.Sub(l.reg.now()))
	return nil
}

// start arms the deadline timer and subscribes to vote events. Called with l.mu held.
func (l *Lifecycle) start(wait time.Duration) {
	l.timer = l.reg.afterFunc(wait, l.expire)
	if !l.live {
		return
	}

	displayID := l.poll.DisplayID
	filter := func(ev domain.VoteEvent) bool { return ev.DisplayID == displayID }
	l.subs = append(l.subs,
		l.reg.events.Subscribe(domain.VoteSelect, filter, l.handleEvent),
		l.reg.events.Subscribe(domain.VoteDeselect, filter, l.handleEvent),
	)
}

func (l *Lifecycle) unsubscribe() {
	for _, id := range l.subs {
		l.reg.events.Unsubscribe(id)
	}
	l.subs = nil
}

// handleEvent is the subscription callback; failures are logged and the event dropped.
func (l *Lifecycle) handleEvent(ev domain.VoteEvent) {
	ctx, cancel := l.reg.ioContext(context.Background())
	defer cancel()

	err := l.HandleVote(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrStorage), errors.Is(err, ErrConflict):
		l.log.Error().Err(err).Str("voter", ev.ActorID).Stringer("kind", ev.Kind).Msg("vote dropped")
	default:
		l.log.Debug().Err(err).Str("voter", ev.ActorID).Stringer("kind", ev.Kind).Msg("vote ignored")
	}
}

// HandleVote applies a select or deselect event to the ledger.
func (l *Lifecycle) HandleVote(ctx context.Context, ev domain.VoteEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyVote(ctx, ev)
}

// applyVote is HandleVote with l.mu held.
func (l *Lifecycle) applyVote(ctx context.Context, ev domain.VoteEvent) error {
	p := l.poll
	if ev.DisplayID != p.DisplayID {
		return fmt.Errorf("event for display %s: %w", ev.DisplayID, ErrPollNotFound)
	}
	if p.Status != domain.StatusOpen || l.unloaded {
		return ErrPollClosed
	}
	option, ok := p.OptionByMarker(ev.Marker)
	if !ok {
		return ErrNoSuchOption
	}

	var err error
	typ := domain.EventVoteRegistered
	switch ev.Kind {
	case domain.VoteSelect:
		err = l.ledger.Register(ctx, ev.ActorID, option)
	case domain.VoteDeselect:
		typ = domain.EventVoteWithdrawn
		err = l.ledger.Withdraw(ctx, ev.ActorID, option)
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}

	// a withdraw is applied in memory even when mirroring it fails
	applied := err == nil || (ev.Kind == domain.VoteDeselect && errors.Is(err, ErrStorage))
	if !applied {
		l.reg.metrics.VoteRejected(rejectReason(err))
		return err
	}

	if ev.Kind == domain.VoteSelect {
		l.reg.metrics.VoteAccepted()
	} else {
		l.reg.metrics.VoteWithdrawn()
	}
	l.log.Debug().Str("voter", ev.ActorID).Int("option", option).Stringer("kind", ev.Kind).Msg("vote applied")
	l.reg.notify(ctx, domain.PollEvent{
		Type:    typ,
		Code:    p.Code,
		ActorID: ev.ActorID,
		Option:  &option,
		Tally:   l.ledger.Counts(),
		At:      l.reg.now(),
	})
	return err
}

// replayReactions counts the markers already on the display, such as those added
// before the subscription existed. Votes the ledger holds are skipped as duplicates.
// Called with l.mu held, after start.
func (l *Lifecycle) replayReactions(ctx context.Context) {
	if !l.live {
		return
	}
	events, err := l.reg.transport.Reactions(ctx, l.poll.DisplayID)
	if err != nil {
		l.log.Warn().Err(err).Msg("could not read reactions of poll display")
		return
	}

	self := l.reg.identity.SelfID()
	applied := 0
	for _, ev := range events {
		if ev.ActorID == self {
			continue
		}
		err := l.applyVote(ctx, ev)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrStorage), errors.Is(err, ErrConflict):
			l.log.Error().Err(err).Str("voter", ev.ActorID).Msg("existing reaction dropped")
		}
	}
	if applied > 0 {
		l.log.Info().Int("votes", applied).Msg("counted reactions present on display")
	}
}

// Cancel closes the poll on behalf of its owner. Cancelling a closed poll is a no-op.
func (l *Lifecycle) Cancel(ctx context.Context, requesterID string) error {
	if !l.poll.IsOwner(requesterID) {
		return ErrPermissionDenied
	}
	l.close(ctx, domain.ReasonCancelled)
	return nil
}

func (l *Lifecycle) expire() {
	l.close(context.Background(), domain.ReasonExpired)
}

// close moves the poll to Closed and cleans up. Only the first call does anything.
// The poll leaves the store and the registry before the result is announced, so
// a stuck transport can not leave it behind to be closed again after a restart.
func (l *Lifecycle) close(ctx context.Context, reason domain.Reason) {
	ctx = context.WithoutCancel(ctx)

	l.mu.Lock()
	if l.poll.Status == domain.StatusClosed || l.unloaded {
		l.mu.Unlock()
		return
	}
	l.poll.Status = domain.StatusClosed
	l.poll.Reason = reason
	if l.timer != nil {
		l.timer.Stop()
	}
	l.unsubscribe()
	counts := l.ledger.Counts()
	l.mu.Unlock()

	l.log.Info().Stringer("reason", reason).Ints("tally", counts).Msg("poll closed")

	dctx, dcancel := l.reg.ioContext(ctx)
	if err := l.reg.store.DeletePoll(dctx, l.poll.Code); err != nil {
		l.log.Error().Err(err).Msg("could not delete closed poll from store")
	}
	dcancel()
	l.reg.remove(l)
	l.reg.metrics.PollClosed(reason)

	l.announce(ctx, reason, counts)

	ev := domain.PollEvent{
		Type:   domain.EventPollClosed,
		Code:   l.poll.Code,
		Reason: reason.String(),
		Tally:  counts,
		At:     l.reg.now(),
	}
	if reason == domain.ReasonExpired {
		if w, ok := winnerOf(counts); ok {
			ev.Winner = &w
		}
	}
	nctx, cancel := l.reg.ioContext(ctx)
	defer cancel()
	l.reg.notify(nctx, ev)
	close(l.done)
}

func (l *Lifecycle) announce(ctx context.Context, reason domain.Reason, counts []int) {
	p := l.poll
	link := l.reg.transport.Permalink(p.ChannelID, p.DisplayID)

	var (
		display, announcement string
		embed                 Embed
	)
	if reason == domain.ReasonExpired {
		display, announcement = resultTexts(p, counts, link)
		embed = resultEmbed(p, counts)
	} else {
		display, announcement = cancelTexts(p)
		embed = promptEmbed(p)
	}

	if l.live {
		ectx, cancel := l.reg.ioContext(ctx)
		if err := l.reg.transport.EditDisplay(ectx, p.DisplayID, display, embed); err != nil {
			l.log.Warn().Err(err).Msg("could not update poll display")
		}
		cancel()
	}

	actx, cancel := l.reg.ioContext(ctx)
	defer cancel()
	if err := l.reg.transport.Announce(actx, p.ChannelID, announcement); err != nil {
		l.log.Warn().Err(err).Msg("could not announce poll result")
	}
}

// unload stops the poll without closing it; its record stays in the store.
func (l *Lifecycle) unload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poll.Status == domain.StatusClosed || l.unloaded {
		return
	}
	l.unloaded = true
	if l.timer != nil {
		l.timer.Stop()
	}
	l.unsubscribe()
}
