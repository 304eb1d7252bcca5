package pipeline

import (
	"sync"

	"github.com/lokalshop/engine/internal/models"
)

// Broker fans progress events out to per-video subscribers. Delivery is
// at-least-once: a slow subscriber may miss intermediate events (its buffer
// overflows and events are dropped), but terminal events always reach it
// because the channel close itself signals termination and the persisted job
// snapshot carries the final state.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan models.ProgressEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan models.ProgressEvent]struct{}),
	}
}

// Subscribe registers for a video's progress stream. The returned cancel
// function must be called when the consumer goes away; it is safe to call
// after the broker has already closed the channel.
func (b *Broker) Subscribe(videoID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, 32)

	b.mu.Lock()
	if b.subs[videoID] == nil {
		b.subs[videoID] = make(map[chan models.ProgressEvent]struct{})
	}
	b.subs[videoID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[videoID]; ok {
			if _, subscribed := set[ch]; subscribed {
				delete(set, ch)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the video without
// blocking the pipeline.
func (b *Broker) Publish(ev models.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.VideoID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseTopic ends a video's stream after its terminal event has been
// published. Subscriber channels are closed and the topic forgotten.
func (b *Broker) CloseTopic(videoID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[videoID] {
		close(ch)
	}
	delete(b.subs, videoID)
}
