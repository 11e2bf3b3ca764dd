package hub

import (
	"fmt"

	"github.com/pders01/hubbub/internal/atom"
	"github.com/pders01/hubbub/internal/debuglog"
	"github.com/pders01/hubbub/internal/feed"
	"github.com/pders01/hubbub/internal/storage"
)

// dispatch frames a topic's delta once and enqueues one delivery task
// per active subscriber. It never blocks on the deliveries themselves.
func (h *Hub) dispatch(topic *storage.Topic, delta []feed.Entry) error {
	payload, err := atom.FrameDelta(topic, delta)
	if err != nil {
		return fmt.Errorf("framing delta: %w", err)
	}

	subs, err := h.store.FindActive(topic.URL)
	if err != nil {
		return fmt.Errorf("finding subscribers: %w", err)
	}

	debuglog.Infof("fanning out %d entries for %s to %d subscriber(s)",
		len(delta), topic.URL, len(subs))

	for _, sub := range subs {
		h.deliveries.Enqueue(&DeliveryTask{
			Topic:    topic.URL,
			Callback: sub.Callback,
			Secret:   sub.Secret,
			Payload:  payload,
		})
	}
	return nil
}
