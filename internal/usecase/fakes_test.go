package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/eventbus"
)

const (
	botID   = "bot"
	ownerID = "owner"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu        sync.Mutex
	polls     map[string]*domain.PollRecord
	votes     map[string]map[string]int
	deletes   map[string]int
	conflicts int

	failCreate error
	failAdd    error
	failRemove error
	failDelete error
	failList   error
	// listErr is returned together with the records, like a store skipping
	// malformed rows.
	listErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		polls:   make(map[string]*domain.PollRecord),
		votes:   make(map[string]map[string]int),
		deletes: make(map[string]int),
	}
}

func (s *fakeStore) CreatePoll(_ context.Context, rec *domain.PollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	if _, ok := s.polls[rec.Code]; ok {
		return ErrConflict
	}
	cp := *rec
	s.polls[rec.Code] = &cp
	return nil
}

func (s *fakeStore) DeletePoll(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[code]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failDelete != nil {
		return s.failDelete
	}
	delete(s.polls, code)
	delete(s.votes, code)
	return nil
}

func (s *fakeStore) ListOpenPolls(context.Context) ([]*domain.PollRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	res := make([]*domain.PollRecord, 0, len(s.polls))
	for code, p := range s.polls {
		cp := *p
		cp.Votes = nil
		for voter, option := range s.votes[code] {
			cp.Votes = append(cp.Votes, domain.VoteRecord{Code: code, VoterID: voter, Option: option})
		}
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartedAt.Before(res[j].StartedAt) })
	return res, s.listErr
}

func (s *fakeStore) AddVote(ctx context.Context, code string, voterID string, option int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failAdd != nil {
		return s.failAdd
	}
	if s.votes[code] == nil {
		s.votes[code] = make(map[string]int)
	}
	if _, ok := s.votes[code][voterID]; ok {
		s.conflicts++
		return ErrConflict
	}
	s.votes[code][voterID] = option
	return nil
}

func (s *fakeStore) RemoveVote(_ context.Context, code string, voterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRemove != nil {
		return s.failRemove
	}
	delete(s.votes[code], voterID)
	return nil
}

func (s *fakeStore) hasPoll(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.polls[code]
	return ok
}

func (s *fakeStore) voteCount(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.votes[code])
}

func (s *fakeStore) deleteCount(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[code]
}

// seed persists a poll as a previous process would have.
func (s *fakeStore) seed(rec *domain.PollRecord, votes map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[rec.Code] = rec
	s.votes[rec.Code] = votes
}

type edit struct {
	displayID string
	text      string
	embed     Embed
}

type fakeTransport struct {
	mu            sync.Mutex
	next          int
	displays      map[string]string
	prompts       []string
	markers       map[string][]string
	edits         []edit
	announcements []string
	deleted       []string

	failSend     error
	failEdit     error
	failAnnounce error
	unresolvable map[string]bool
	// blockEdit makes EditDisplay hang until its context ends.
	blockEdit bool
	reactions map[string][]domain.VoteEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		displays:     make(map[string]string),
		markers:      make(map[string][]string),
		unresolvable: make(map[string]bool),
		reactions:    make(map[string][]domain.VoteEvent),
	}
}

func (t *fakeTransport) SendPrompt(_ context.Context, channelID string, text string, _ Embed) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend != nil {
		return "", t.failSend
	}
	t.next++
	id := fmt.Sprintf("post-%d", t.next)
	t.displays[id] = channelID
	t.prompts = append(t.prompts, text)
	return id, nil
}

func (t *fakeTransport) EditDisplay(ctx context.Context, displayID string, text string, embed Embed) error {
	t.mu.Lock()
	block := t.blockEdit
	t.mu.Unlock()
	if block {
		<-ctx.Done()
		return fmt.Errorf("edit post %s: %w: %w", displayID, ErrTransport, ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failEdit != nil {
		return t.failEdit
	}
	t.edits = append(t.edits, edit{displayID: displayID, text: text, embed: embed})
	return nil
}

func (t *fakeTransport) DeleteDisplay(_ context.Context, displayID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.displays, displayID)
	t.deleted = append(t.deleted, displayID)
	return nil
}

func (t *fakeTransport) AttachMarkers(_ context.Context, displayID string, markers []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markers[displayID] = markers
	return nil
}

func (t *fakeTransport) ResolveDisplay(_ context.Context, displayID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unresolvable[displayID] {
		return fmt.Errorf("post %s: %w", displayID, ErrTransport)
	}
	return nil
}

func (t *fakeTransport) Announce(_ context.Context, _ string, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAnnounce != nil {
		return t.failAnnounce
	}
	t.announcements = append(t.announcements, text)
	return nil
}

func (t *fakeTransport) Reactions(_ context.Context, displayID string) ([]domain.VoteEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.VoteEvent(nil), t.reactions[displayID]...), nil
}

func (t *fakeTransport) Permalink(_ string, displayID string) string {
	return "https://chat.example.com/team/pl/" + displayID
}

func (t *fakeTransport) announced() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.announcements...)
}

func (t *fakeTransport) editList() []edit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]edit(nil), t.edits...)
}

type fakeIdentity string

func (f fakeIdentity) SelfID() string { return string(f) }

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback the way time.AfterFunc would, unless the timer was stopped.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if !stopped {
		t.f()
	}
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) last(t *testing.T) *fakeTimer {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		t.Fatal("no timer was started")
	}
	return ft.timers[len(ft.timers)-1]
}

type notifierFunc func(ctx context.Context, ev domain.PollEvent)

func (f notifierFunc) Notify(ctx context.Context, ev domain.PollEvent) { f(ctx, ev) }

type testEnv struct {
	reg       *Registry
	store     *fakeStore
	transport *fakeTransport
	bus       *eventbus.Bus
	timers    *fakeTimers

	mu     sync.Mutex
	events []domain.PollEvent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		transport: newFakeTransport(),
		bus:       eventbus.New(),
		timers:    &fakeTimers{},
	}
	codes := 0
	env.reg = NewRegistry(env.store, env.transport, env.bus, fakeIdentity(botID),
		WithClock(func() time.Time { return testNow }),
		WithNotifiers(notifierFunc(func(_ context.Context, ev domain.PollEvent) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.events = append(env.events, ev)
		})),
	)
	env.reg.afterFunc = env.timers.afterFunc
	env.reg.newCode = func() string {
		codes++
		return fmt.Sprintf("CODE%04d", codes)
	}
	return env
}

func (e *testEnv) create(t *testing.T, options ...string) *Lifecycle {
	t.Helper()
	l, err := e.reg.Create(context.Background(), CreateRequest{
		Prompt:    "Pick one",
		Options:   options,
		Timeout:   DefaultTimeout,
		OwnerID:   ownerID,
		ChannelID: "town-square",
		ContextID: "cmd-post",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return l
}

func (e *testEnv) vote(kind domain.EventKind, displayID, actor, marker string) int {
	return e.bus.Publish(domain.VoteEvent{Kind: kind, DisplayID: displayID, ActorID: actor, Marker: marker})
}

func (e *testEnv) eventTypes() []domain.PollEventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]domain.PollEventType, len(e.events))
	for i, ev := range e.events {
		res[i] = ev.Type
	}
	return res
}

func waitDone(t *testing.T, l *Lifecycle) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not close")
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
