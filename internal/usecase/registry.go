package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultIOTimeout = 10 * time.Second

	// maxCodeAttempts bounds how often Create draws a new code after the store
	// reports the drawn one as taken.
	maxCodeAttempts = 3
)

// CreateRequest holds the arguments of the create command.
type CreateRequest struct {
	Prompt    string
	Options   []string
	Timeout   time.Duration
	OwnerID   string
	ChannelID string
	// ContextID - ID of the post with the command.
	ContextID string
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithNotifiers(n ...Notifier) Option {
	return func(r *Registry) { r.notifiers = append(r.notifiers, n...) }
}

func WithIOTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ioTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the process-wide index of open polls. Polls enter it when they are
// created or recovered and leave it when they close.
type Registry struct {
	store     PollStore
	transport Transport
	events    EventSource
	identity  Identity
	notifiers []Notifier
	metrics   Metrics
	log       zerolog.Logger
	ioTimeout time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
	newCode   func() string

	mu      sync.Mutex
	polls   map[string]*Lifecycle
	pending map[string]struct{}
}

func NewRegistry(store PollStore, transport Transport, events EventSource, identity Identity, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		transport: transport,
		events:    events,
		identity:  identity,
		metrics:   noopMetrics{},
		log:       zerolog.Nop(),
		ioTimeout: DefaultIOTimeout,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		newCode:   domain.NewCode,
		polls:     make(map[string]*Lifecycle),
		pending:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates the request and starts a new poll.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Lifecycle, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is empty", ErrValidation)
	}
	options := domain.NormalizeOptions(req.Options)
	if len(options) < domain.MinOptions {
		return nil, fmt.Errorf("%w: not enough unique options", ErrValidation)
	}
	if len(options) > domain.MaxOptions {
		return nil, fmt.Errorf("%w: too many options, at most %d allowed", ErrValidation, domain.MaxOptions)
	}
	if req.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}

	var err error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var l *Lifecycle
		l, err = r.create(ctx, req, prompt, options)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		r.log.Warn().Err(err).Msg("poll code already taken, drawing a new one")
	}
	return nil, err
}

func (r *Registry) create(ctx context.Context, req CreateRequest, prompt string, options []string) (*Lifecycle, error) {
	code := r.reserveCode()
	defer r.release(code)

	poll := domain.NewPoll(code, req.ChannelID, req.OwnerID, req.ContextID, prompt, options, r.now(), req.Timeout)
	l := newLifecycle(r, poll, true)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.open(ctx); err != nil {
		return nil, err
	}

	r.metrics.PollCreated()
	l.log.Info().Str("owner", poll.OwnerID).Int("options", len(options)).Dur("timeout", req.Timeout).Msg("poll created")
	r.notify(ctx, domain.PollEvent{
		Type:    domain.EventPollCreated,
		Code:    code,
		ActorID: poll.OwnerID,
		Tally:   make([]int, len(options)),
		At:      poll.CreatedAt,
	})
	l.replayReactions(ctx)
	return l, nil
}

// Cancel closes the poll with the given code on behalf of requesterID.
func (r *Registry) Cancel(ctx context.Context, code string, requesterID string) error {
	l, err := r.Lookup(code)
	if err != nil {
		return err
	}
	return l.Cancel(ctx, requesterID)
}

func (r *Registry) Lookup(code string) (*Lifecycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.polls[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, ErrPollNotFound
	}
	return l, nil
}

// List returns snapshots of open polls, oldest first.
func (r *Registry) List() []PollView {
	views := make([]PollView, 0)
	for _, l := range r.snapshot() {
		views = append(views, l.View())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].Code < views[j].Code
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Bootstrap restores polls persisted by a previous process. Must be called once,
// after the transport is ready. Polls past their deadline are closed right away;
// records the store can not decode are logged and left alone.
func (r *Registry) Bootstrap(ctx context.Context) error {
	records, err := r.store.ListOpenPolls(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCorruptRecord):
		r.log.Error().Err(err).Int("readable", len(records)).Msg("skipping malformed persisted polls")
	default:
		return fmt.Errorf("could not list persisted polls: %w", err)
	}

	for _, rec := range records {
		r.recover(ctx, rec)
	}
	r.log.Info().Int("polls", len(records)).Msg("polls recovered")
	return nil
}

func (r *Registry) recover(ctx context.Context, rec *domain.PollRecord) {
	log := r.log.With().Str("code", rec.Code).Logger()
	if len(rec.Options) < domain.MinOptions || len(rec.Options) > domain.MaxOptions {
		log.Error().Int("options", len(rec.Options)).Msg("dropping persisted poll with invalid options")
		if err := r.store.DeletePoll(ctx, rec.Code); err != nil {
			log.Error().Err(err).Msg("could not delete invalid poll")
		}
		return
	}

	live := rec.DisplayID != ""
	if live {
		if err := r.transport.ResolveDisplay(ctx, rec.DisplayID); err != nil {
			log.Warn().Err(err).Msg("poll display not found, recovering without live votes")
			live = false
		}
	}

	l := newLifecycle(r, domain.PollFromRecord(rec), live)
	if skipped := l.ledger.restore(rec.Votes); len(skipped) > 0 {
		log.Warn().Int("skipped", len(skipped)).Msg("ignored invalid persisted votes")
	}

	l.mu.Lock()
	r.add(l)
	wait := rec.ClosesAt.Sub(r.now())
	if wait > 0 {
		l.start(wait)
		l.replayReactions(ctx)
		l.mu.Unlock()
		log.Info().Dur("remaining", wait).Bool("live", live).Int("votes", len(rec.Votes)).Msg("poll resumed")
		return
	}
	l.mu.Unlock()

	log.Info().Msg("poll deadline passed while offline")
	l.close(ctx, domain.ReasonExpired)
}

// Shutdown stops every poll without closing it, so the next process can resume them.
func (r *Registry) Shutdown() {
	polls := r.snapshot()
	for _, l := range polls {
		l.unload()
	}

	r.mu.Lock()
	clear(r.polls)
	r.metrics.OpenPolls(0)
	r.mu.Unlock()
	r.log.Info().Int("polls", len(polls)).Msg("polls unloaded")
}

func (r *Registry) snapshot() []*Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*Lifecycle, 0, len(r.polls))
	for _, l := range r.polls {
		res = append(res, l)
	}
	return res
}

func (r *Registry) reserveCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		code := r.newCode()
		if _, ok := r.polls[code]; ok {
			continue
		}
		if _, ok := r.pending[code]; ok {
			continue
		}
		r.pending[code] = struct{}{}
		return code
	}
}

func (r *Registry) release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, code)
}

func (r *Registry) add(l *Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[l.poll.Code] = l
	r.metrics.OpenPolls(len(r.polls))
}

func (r *Registry) remove(l *Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.polls[l.poll.Code] == l {
		delete(r.polls, l.poll.Code)
	}
	r.metrics.OpenPolls(len(r.polls))
}

// ioContext bounds a single store or transport call.
func (r *Registry) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.ioTimeout)
}

func (r *Registry) notify(ctx context.Context, ev domain.PollEvent) {
	for _, n := range r.notifiers {
		n.Notify(ctx, ev)
	}
}
