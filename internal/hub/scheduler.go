package hub

import (
	"time"

	"github.com/pders01/hubbub/internal/debuglog"
)

// runScheduler drives the two periodic loops: re-polling topics whose
// next fetch time has arrived, and sweeping expired subscriptions and
// unreferenced topics. It also re-enqueues pending verifications whose
// retry ETA is due, which covers both send-failure backoff and
// requests queued before a restart.
func (h *Hub) runScheduler() {
	defer h.wg.Done()

	pollTicker := time.NewTicker(h.cfg.Feed.CheckInterval)
	defer pollTicker.Stop()

	sweepTicker := time.NewTicker(h.cfg.Subscription.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-h.quit:
			return
		case <-pollTicker.C:
			h.scheduleDueTopics()
			h.scheduleDueVerifications()
		case <-sweepTicker.C:
			h.sweep()
		}
	}
}

func (h *Hub) scheduleDueTopics() {
	now := time.Now().UTC()
	topics, err := h.store.TopicsDue(now)
	if err != nil {
		debuglog.Errorf("scanning due topics: %v", err)
		return
	}

	for _, topic := range topics {
		// Push the next fetch out before enqueueing so a slow worker
		// does not cause the same topic to be scheduled twice.
		topic.NextFetch = now.Add(h.cfg.Feed.PollInterval)
		if err := h.store.SaveTopic(topic); err != nil {
			debuglog.Errorf("rescheduling topic %s: %v", topic.URL, err)
			continue
		}

		select {
		case h.fetchCh <- topic.URL:
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) scheduleDueVerifications() {
	subs, err := h.store.PendingVerifications(time.Now().UTC())
	if err != nil {
		debuglog.Errorf("scanning pending verifications: %v", err)
		return
	}

	for _, sub := range subs {
		select {
		case h.verifyCh <- verifyJob{topic: sub.Topic, callback: sub.Callback, nonce: sub.Nonce}:
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) sweep() {
	removed, err := h.store.SweepExpired(time.Now().UTC())
	if err != nil {
		debuglog.Errorf("sweeping expired subscriptions: %v", err)
	} else if removed > 0 {
		debuglog.Infof("swept %d expired subscription(s)", removed)
	}

	collected, err := h.store.SweepTopics()
	if err != nil {
		debuglog.Errorf("sweeping unreferenced topics: %v", err)
	} else if collected > 0 {
		debuglog.Infof("garbage-collected %d topic(s)", collected)
	}
}
