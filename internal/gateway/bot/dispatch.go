package bot

import (
	"hash/fnv"
	"sync"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

// voteDispatcher publishes reaction events from a fixed set of workers. All
// events of one display go to the same worker, so a select and a deselect of
// one user never swap, while a slow poll only holds up its own worker.
type voteDispatcher struct {
	sink   VoteSink
	queues []chan domain.VoteEvent
	wg     sync.WaitGroup
}

func newVoteDispatcher(sink VoteSink, workers, depth int) *voteDispatcher {
	d := &voteDispatcher{
		sink:   sink,
		queues: make([]chan domain.VoteEvent, max(workers, 1)),
	}
	for i := range d.queues {
		q := make(chan domain.VoteEvent, depth)
		d.queues[i] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range q {
				d.sink.Publish(ev)
			}
		}()
	}
	return d
}

func (d *voteDispatcher) shard(displayID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(displayID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// dispatch blocks while the worker of the display is full.
func (d *voteDispatcher) dispatch(ev domain.VoteEvent) {
	d.queues[d.shard(ev.DisplayID)] <- ev
}

// stop delivers queued events and waits for the workers. dispatch must not be
// called afterwards.
func (d *voteDispatcher) stop() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
}
