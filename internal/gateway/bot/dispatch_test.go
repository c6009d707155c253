package bot

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]domain.VoteEvent
	// block holds up every event of one display until closed.
	blockID string
	block   chan struct{}
}

func (s *recordingSink) Publish(ev domain.VoteEvent) int {
	if ev.DisplayID == s.blockID {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.DisplayID] = append(s.events[ev.DisplayID], ev)
	return 1
}

func (s *recordingSink) got(displayID string) []domain.VoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.VoteEvent(nil), s.events[displayID]...)
}

func TestVoteDispatcher_KeepsOrderPerDisplay(t *testing.T) {
	sink := &recordingSink{events: make(map[string][]domain.VoteEvent)}
	d := newVoteDispatcher(sink, 4, 8)

	displays := []string{"post-a", "post-b", "post-c"}
	for i := 0; i < 100; i++ {
		for _, id := range displays {
			kind := domain.VoteSelect
			if i%2 == 1 {
				kind = domain.VoteDeselect
			}
			d.dispatch(domain.VoteEvent{Kind: kind, DisplayID: id, ActorID: "alice", Marker: fmt.Sprint(i)})
		}
	}
	d.stop()

	for _, id := range displays {
		events := sink.got(id)
		if len(events) != 100 {
			t.Fatalf("%s got %d events, want 100", id, len(events))
		}
		for i, ev := range events {
			if ev.Marker != fmt.Sprint(i) {
				t.Fatalf("%s event %d has marker %s, events were reordered", id, i, ev.Marker)
			}
		}
	}
}

func TestVoteDispatcher_SlowDisplayDoesNotBlockOthers(t *testing.T) {
	sink := &recordingSink{
		events:  make(map[string][]domain.VoteEvent),
		blockID: "post-slow",
		block:   make(chan struct{}),
	}
	d := newVoteDispatcher(sink, 4, 8)

	fast := "post-fast"
	for i := 0; d.shard(fast) == d.shard(sink.blockID); i++ {
		fast = fmt.Sprintf("post-fast-%d", i)
	}

	d.dispatch(domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: sink.blockID, ActorID: "alice", Marker: "one"})
	d.dispatch(domain.VoteEvent{Kind: domain.VoteSelect, DisplayID: fast, ActorID: "bob", Marker: "two"})

	deadline := time.After(2 * time.Second)
	for len(sink.got(fast)) == 0 {
		select {
		case <-deadline:
			t.Fatal("event of another poll waited for the slow one")
		case <-time.After(time.Millisecond):
		}
	}

	close(sink.block)
	d.stop()
	if len(sink.got(sink.blockID)) != 1 {
		t.Error("event of the slow poll was lost")
	}
}
