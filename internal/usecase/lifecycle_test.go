package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

func TestCreate_Validation(t *testing.T) {
	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = fmt.Sprintf("opt-%d", i)
	}

	tests := []struct {
		name    string
		prompt  string
		options []string
		timeout time.Duration
	}{
		{"single option", "Pick", []string{"A"}, DefaultTimeout},
		{"duplicates collapse below minimum", "Pick", []string{"A", "A", "A"}, DefaultTimeout},
		{"eleven options", "Pick", eleven, DefaultTimeout},
		{"zero timeout", "Pick", []string{"A", "B"}, 0},
		{"negative timeout", "Pick", []string{"A", "B"}, -5 * time.Second},
		{"empty prompt", "  ", []string{"A", "B"}, DefaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.reg.Create(context.Background(), CreateRequest{
				Prompt: tt.prompt, Options: tt.options, Timeout: tt.timeout,
				OwnerID: ownerID, ChannelID: "chan",
			})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Create() error = %v, want ErrValidation", err)
			}
			if len(env.transport.prompts) != 0 {
				t.Errorf("display posted for invalid poll")
			}
			if len(env.reg.List()) != 0 {
				t.Errorf("invalid poll registered")
			}
		})
	}
}

func TestCreate_OptionCounts(t *testing.T) {
	for n := domain.MinOptions; n <= domain.MaxOptions; n++ {
		env := newTestEnv(t)
		options := make([]string, n)
		for i := range options {
			options[i] = fmt.Sprintf("opt-%d", i)
		}
		l := env.create(t, options...)

		view := l.View()
		if len(view.Markers) != n {
			t.Fatalf("%d options got %d markers", n, len(view.Markers))
		}
		if got := env.transport.markers[view.DisplayID]; !reflect.DeepEqual(got, view.Markers) {
			t.Fatalf("attached markers %v, want %v", got, view.Markers)
		}
	}
}

func TestCreate_PersistsAndStarts(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "Red", "Blue", "Blue")

	view := l.View()
	if !reflect.DeepEqual(view.Options, []string{"Red", "Blue"}) {
		t.Errorf("options = %q, want [Red Blue]", view.Options)
	}
	if !env.store.hasPoll(l.Code()) {
		t.Error("poll not persisted")
	}
	if got := env.timers.last(t).d; got != DefaultTimeout {
		t.Errorf("deadline timer = %v, want %v", got, DefaultTimeout)
	}
	if env.bus.Len() != 2 {
		t.Errorf("bus has %d subscriptions, want 2", env.bus.Len())
	}
	if !strings.Contains(env.transport.prompts[0], "/poll cancel "+l.Code()) {
		t.Errorf("prompt does not explain how to cancel: %q", env.transport.prompts[0])
	}
	if got, err := env.reg.Lookup(strings.ToLower(l.Code())); err != nil || got != l {
		t.Errorf("Lookup() = %v, %v", got, err)
	}
}

func TestCreate_StoreFailureRemovesDisplay(t *testing.T) {
	env := newTestEnv(t)
	env.store.failCreate = ErrStorage

	_, err := env.reg.Create(context.Background(), CreateRequest{
		Prompt: "Pick", Options: []string{"A", "B"}, Timeout: time.Minute, OwnerID: ownerID,
	})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Create() error = %v, want ErrStorage", err)
	}
	if len(env.transport.deleted) != 1 {
		t.Errorf("display of unsaved poll not deleted")
	}
	if len(env.reg.List()) != 0 || env.bus.Len() != 0 || len(env.timers.timers) != 0 {
		t.Error("unsaved poll was started")
	}
}

func TestScenario_ExpireWithWinner(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "Red", "Blue", "Blue")
	display := l.View().DisplayID

	env.vote(domain.VoteSelect, display, "alice", "one")
	env.vote(domain.VoteSelect, display, "bob", "one")
	env.vote(domain.VoteSelect, display, "carol", "two")

	if got := l.Ledger().Tally(); !reflect.DeepEqual(got, map[int]int{0: 2, 1: 1}) {
		t.Fatalf("Tally() = %v", got)
	}
	if w, ok := l.Ledger().Winner(); !ok || w != 0 {
		t.Fatalf("Winner() = %d, %v", w, ok)
	}

	env.timers.last(t).fire()
	waitDone(t, l)

	view := l.View()
	if view.Status != domain.StatusClosed || view.Reason != domain.ReasonExpired {
		t.Errorf("status = %v/%v, want closed/expired", view.Status, view.Reason)
	}
	ann := env.transport.announced()
	if len(ann) != 1 || !containsAll(ann[0], l.Code(), "winner is :one: Red with 2 vote(s)", "pl/"+display) {
		t.Errorf("announcements = %q", ann)
	}
	edits := env.transport.editList()
	if len(edits) != 1 || edits[0].text != "Poll closed, the winner is :one:" {
		t.Fatalf("edits = %+v", edits)
	}
	if want := []string{":one: Red (2)", ":two: Blue (1)"}; !reflect.DeepEqual(edits[0].embed.Lines, want) {
		t.Errorf("result lines = %q, want %q", edits[0].embed.Lines, want)
	}
	if env.store.hasPoll(l.Code()) || env.store.deleteCount(l.Code()) != 1 {
		t.Error("closed poll not deleted from store exactly once")
	}
	if _, err := env.reg.Lookup(l.Code()); !errors.Is(err, ErrPollNotFound) {
		t.Errorf("Lookup() after close error = %v", err)
	}
	if env.bus.Len() != 0 {
		t.Errorf("bus still has %d subscriptions", env.bus.Len())
	}
	want := []domain.PollEventType{
		domain.EventPollCreated,
		domain.EventVoteRegistered, domain.EventVoteRegistered, domain.EventVoteRegistered,
		domain.EventPollClosed,
	}
	if got := env.eventTypes(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestExpire_NoVotes(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")

	env.timers.last(t).fire()
	waitDone(t, l)

	if _, ok := l.Ledger().Winner(); ok {
		t.Error("Winner() reported a winner without votes")
	}
	ann := env.transport.announced()
	if len(ann) != 1 || !strings.Contains(ann[0], "No votes were recorded") {
		t.Errorf("announcements = %q", ann)
	}
	if edits := env.transport.editList(); len(edits) != 1 || edits[0].text != "Poll closed, there is no winner" {
		t.Errorf("edits = %+v", edits)
	}
}

func TestHandleVote_DropPolicy(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")
	display := l.View().DisplayID
	ctx := context.Background()

	tests := []struct {
		name    string
		ev      domain.VoteEvent
		wantErr error
	}{
		{"foreign display", domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: "other", ActorID: "alice", Marker: "one"}, ErrPollNotFound},
		{"unknown marker", domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: display, ActorID: "alice", Marker: "three"}, ErrNoSuchOption},
		{"owner", domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: display, ActorID: ownerID, Marker: "one"}, ErrIneligibleVoter},
		{"bot adding markers", domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: display, ActorID: botID, Marker: "two"}, ErrIneligibleVoter},
		{"deselect without vote", domain.VoteEvent{Kind: domain.VoteDeselect, DisplayID: display, ActorID: "alice", Marker: "one"}, ErrVoteNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.HandleVote(ctx, tt.ev); !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleVote() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := l.Ledger().Counts(); !reflect.DeepEqual(got, []int{0, 0}) {
		t.Errorf("Counts() = %v after dropped events", got)
	}

	if err := l.Cancel(ctx, ownerID); err != nil {
		t.Fatal(err)
	}
	err := l.HandleVote(ctx, domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: display, ActorID: "alice", Marker: "one"})
	if !errors.Is(err, ErrPollClosed) {
		t.Errorf("vote on closed poll error = %v, want ErrPollClosed", err)
	}
}

func TestHandleVote_OutOfOrderDeselect(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")
	display := l.View().DisplayID

	// alice votes A, then the events of her switch to B arrive in the wrong order
	env.vote(domain.VoteSelect, display, "alice", "one")
	env.vote(domain.VoteSelect, display, "alice", "two")   // rejected: already voted
	env.vote(domain.VoteDeselect, display, "alice", "two") // rejected: stale
	env.vote(domain.VoteDeselect, display, "alice", "one")

	if got := l.Ledger().Counts(); !reflect.DeepEqual(got, []int{0, 0}) {
		t.Errorf("Counts() = %v, want [0 0]", got)
	}
	env.vote(domain.VoteSelect, display, "alice", "two")
	if got := l.Ledger().Counts(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("Counts() = %v, want [0 1]", got)
	}
}

func TestHandleVote_StorageFailureDropsSelect(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")
	display := l.View().DisplayID

	env.store.mu.Lock()
	env.store.failAdd = ErrStorage
	env.store.mu.Unlock()

	err := l.HandleVote(context.Background(), domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: display, ActorID: "alice", Marker: "one"})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("HandleVote() error = %v, want ErrStorage", err)
	}
	if got := l.Ledger().Counts(); !reflect.DeepEqual(got, []int{0, 0}) {
		t.Errorf("Counts() = %v after failed mirror", got)
	}
	if l.View().Status != domain.StatusOpen {
		t.Error("storage failure closed the poll")
	}
}

func TestCancel_NonOwner(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")

	if err := env.reg.Cancel(context.Background(), l.Code(), "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Cancel() error = %v, want ErrPermissionDenied", err)
	}
	if l.View().Status != domain.StatusOpen {
		t.Error("poll closed by non-owner")
	}
	if env.timers.last(t).stopped {
		t.Error("deadline timer stopped by non-owner")
	}
}

func TestCancel_Owner(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")
	display := l.View().DisplayID
	env.vote(domain.VoteSelect, display, "alice", "one")

	ctx := context.Background()
	if err := env.reg.Cancel(ctx, l.Code(), ownerID); err != nil {
		t.Fatalf("Cancel(): %v", err)
	}
	waitDone(t, l)

	view := l.View()
	if view.Reason != domain.ReasonCancelled {
		t.Errorf("reason = %v, want cancelled", view.Reason)
	}
	if !env.timers.last(t).stopped {
		t.Error("deadline timer not stopped")
	}
	ann := env.transport.announced()
	if len(ann) != 1 || !strings.Contains(ann[0], "cancelled") || strings.Contains(ann[0], "vote(s)") {
		t.Errorf("announcements = %q", ann)
	}
	edits := env.transport.editList()
	if len(edits) != 1 || edits[0].text != "The poll was cancelled." || strings.Contains(edits[0].embed.Lines[0], "(") {
		t.Errorf("edits = %+v", edits)
	}

	// idempotent
	if err := l.Cancel(ctx, ownerID); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}
	if err := env.reg.Cancel(ctx, l.Code(), ownerID); !errors.Is(err, ErrPollNotFound) {
		t.Errorf("Cancel() of removed poll error = %v, want ErrPollNotFound", err)
	}
	if n := env.store.deleteCount(l.Code()); n != 1 {
		t.Errorf("store delete called %d times, want 1", n)
	}
}

func TestCancelRacesDeadline(t *testing.T) {
	for n := 0; n < 50; n++ {
		env := newTestEnv(t)
		l := env.create(t, "A", "B")
		timer := env.timers.last(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			timer.f()
		}()
		go func() {
			defer wg.Done()
			_ = l.Cancel(context.Background(), ownerID)
		}()
		wg.Wait()
		waitDone(t, l)

		if n := env.store.deleteCount(l.Code()); n != 1 {
			t.Fatalf("store delete called %d times, want 1", n)
		}
		if n := len(env.transport.announced()); n != 1 {
			t.Fatalf("%d announcements, want 1", n)
		}
	}
}

func TestClose_DisplayFailuresDoNotBlockCleanup(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")

	env.transport.mu.Lock()
	env.transport.failEdit = ErrTransport
	env.transport.failAnnounce = ErrTransport
	env.transport.mu.Unlock()

	env.timers.last(t).fire()
	waitDone(t, l)

	if env.store.hasPoll(l.Code()) || env.store.deleteCount(l.Code()) != 1 {
		t.Error("poll not removed from store exactly once")
	}
	if len(env.reg.List()) != 0 {
		t.Error("poll still registered")
	}
	if env.bus.Len() != 0 {
		t.Error("poll still subscribed")
	}
}

func TestClose_StoreFailureStillUnregisters(t *testing.T) {
	env := newTestEnv(t)
	l := env.create(t, "A", "B")

	env.store.mu.Lock()
	env.store.failDelete = ErrStorage
	env.store.mu.Unlock()

	env.timers.last(t).fire()
	waitDone(t, l)

	if len(env.reg.List()) != 0 {
		t.Error("poll still registered after store failure")
	}
	if n := env.store.deleteCount(l.Code()); n != 1 {
		t.Errorf("store delete called %d times, want 1", n)
	}
}

func TestClose_HungDisplayEditDoesNotKeepPollPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.reg.ioTimeout = 50 * time.Millisecond
	l := env.create(t, "A", "B")

	env.transport.mu.Lock()
	env.transport.blockEdit = true
	env.transport.mu.Unlock()

	env.timers.last(t).fire()
	waitDone(t, l)

	if env.store.hasPoll(l.Code()) {
		t.Error("closed poll still persisted after the display edit timed out")
	}
	if _, err := env.reg.Lookup(l.Code()); !errors.Is(err, ErrPollNotFound) {
		t.Errorf("Lookup() error = %v, want ErrPollNotFound", err)
	}
	if ann := env.transport.announced(); len(ann) != 1 {
		t.Errorf("announcements = %q, want one despite the stuck edit", ann)
	}
}

func TestCreate_CodeTakenInStoreDrawsNewCode(t *testing.T) {
	env := newTestEnv(t)
	// left by another process, not known to this registry
	env.store.seed(persisted("CODE0001", "post-other", testNow.Add(time.Minute)), nil)

	l := env.create(t, "A", "B")

	if l.Code() != "CODE0002" {
		t.Errorf("Code() = %s, want CODE0002", l.Code())
	}
	if len(env.transport.deleted) != 1 || env.transport.deleted[0] != "post-1" {
		t.Errorf("deleted displays = %v, want the display of the rejected code", env.transport.deleted)
	}
	if !env.store.hasPoll("CODE0002") {
		t.Error("poll not persisted under the new code")
	}
	if views := env.reg.List(); len(views) != 1 || views[0].Code != "CODE0002" {
		t.Errorf("List() = %+v", views)
	}
}

func TestCreate_CodeConflictGivesUp(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= maxCodeAttempts; i++ {
		code := fmt.Sprintf("CODE%04d", i)
		env.store.seed(persisted(code, "post-"+code, testNow.Add(time.Minute)), nil)
	}

	_, err := env.reg.Create(context.Background(), CreateRequest{
		Prompt: "Pick", Options: []string{"A", "B"}, Timeout: time.Minute, OwnerID: ownerID,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Create() error = %v, want ErrConflict", err)
	}
	if len(env.transport.deleted) != maxCodeAttempts {
		t.Errorf("deleted %d displays, want %d", len(env.transport.deleted), maxCodeAttempts)
	}
	if len(env.reg.List()) != 0 {
		t.Error("poll registered after every code was taken")
	}
}

func TestCreate_CountsReactionsAddedBeforeSubscribing(t *testing.T) {
	env := newTestEnv(t)
	// the fake numbers displays post-1, post-2, ...
	env.transport.reactions["post-1"] = []domain.VoteEvent{
		{Kind: domain.VoteSelect, DisplayID: "post-1", ActorID: botID, Marker: "one"},
		{Kind: domain.VoteSelect, DisplayID: "post-1", ActorID: botID, Marker: "two"},
		{Kind: domain.VoteSelect, DisplayID: "post-1", ActorID: "alice", Marker: "two"},
		{Kind: domain.VoteSelect, DisplayID: "post-1", ActorID: ownerID, Marker: "one"},
	}

	l := env.create(t, "Red", "Blue")

	if got := l.Ledger().Counts(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("Counts() = %v, want [0 1]", got)
	}
	if n := env.store.voteCount(l.Code()); n != 1 {
		t.Errorf("store has %d votes, want 1", n)
	}

	// the live event for the same reaction is a duplicate
	env.vote(domain.VoteSelect, "post-1", "alice", "two")
	if got := l.Ledger().Counts(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("Counts() after duplicate event = %v, want [0 1]", got)
	}
}
