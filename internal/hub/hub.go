// Package hub implements the coordination core of a PubSubHubbub
// hub: intent verification, feed fetching with delta detection, and
// fan-out delivery with retry.
package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/debuglog"
	"github.com/pders01/hubbub/internal/feed"
	"github.com/pders01/hubbub/internal/storage"
)

// SubscriptionRequest is a parsed subscribe or unsubscribe request
// from the HTTP surface.
type SubscriptionRequest struct {
	Mode         string
	Callback     string
	Topic        string
	VerifyModes  []string // preference ordered: "sync", "async"
	VerifyToken  string
	Secret       string
	LeaseSeconds int // 0 means the hub's default lease applies
}

// SubscriptionOutcome tells the HTTP layer how a subscription request
// ended.
type SubscriptionOutcome int

const (
	// OutcomeVerified: synchronously confirmed (or unsubscribe of an
	// unknown pair, which is a no-op success).
	OutcomeVerified SubscriptionOutcome = iota
	// OutcomeAccepted: queued for asynchronous verification.
	OutcomeAccepted
	// OutcomeRejected: the callback refused or could not be reached
	// during synchronous verification.
	OutcomeRejected
)

type verifyJob struct {
	topic    string
	callback string
	nonce    string
}

// Hub wires the subscription store, verifier, fetcher, dispatcher and
// delivery pool together and owns their background workers.
type Hub struct {
	cfg        *config.Config
	store      *storage.Store
	fetcher    *feed.Fetcher
	parser     *feed.Parser
	verifier   *Verifier
	deliveries *DeliveryPool

	verifyCh chan verifyJob
	fetchCh  chan string

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(store *storage.Store, cfg *config.Config) *Hub {
	return &Hub{
		cfg:        cfg,
		store:      store,
		fetcher:    feed.NewFetcher(cfg),
		parser:     feed.NewParser(),
		verifier:   NewVerifier(cfg),
		deliveries: NewDeliveryPool(store, cfg),
		verifyCh:   make(chan verifyJob, 256),
		fetchCh:    make(chan string, 256),
		quit:       make(chan struct{}),
	}
}

// Start launches the delivery pool, the verification and fetch
// workers, and the scheduler loops.
func (h *Hub) Start() {
	h.deliveries.Start()

	verifyWorkers := h.cfg.Verify.Workers
	if verifyWorkers < 1 {
		verifyWorkers = 1
	}
	for i := 0; i < verifyWorkers; i++ {
		h.wg.Add(1)
		go h.verifyWorker()
	}

	fetchWorkers := h.cfg.Delivery.Workers
	if fetchWorkers < 1 {
		fetchWorkers = 1
	}
	for i := 0; i < fetchWorkers; i++ {
		h.wg.Add(1)
		go h.fetchWorker()
	}

	h.wg.Add(1)
	go h.runScheduler()
}

// Stop shuts down the background workers and drains pending
// deliveries.
func (h *Hub) Stop() {
	close(h.quit)
	h.wg.Wait()
	h.deliveries.Stop()
}

// Subscribe handles a subscribe or unsubscribe request. The whole
// verify round-trip for one (topic, callback) pair runs under that
// pair's lock, so concurrent requests cannot interleave.
func (h *Hub) Subscribe(req SubscriptionRequest) (SubscriptionOutcome, error) {
	unlock := h.store.LockKey(req.Topic, req.Callback)
	defer unlock()

	existing, err := h.store.GetSubscription(req.Topic, req.Callback)
	if err != nil && err != storage.ErrNotFound {
		return OutcomeRejected, err
	}

	// Unsubscribing a pair the hub never knew about is a no-op.
	if req.Mode == ModeUnsubscribe && existing == nil {
		return OutcomeVerified, nil
	}

	if preferredMode(req.VerifyModes) == "sync" {
		return h.subscribeSync(req)
	}
	return h.subscribeAsync(req)
}

// subscribeSync verifies inline; the caller's HTTP response is not
// written until the callback has answered. State only changes on a
// confirmed outcome, so a failed re-subscribe leaves an existing
// verified record untouched.
func (h *Hub) subscribeSync(req SubscriptionRequest) (SubscriptionOutcome, error) {
	probe := &storage.Subscription{
		Topic:       req.Topic,
		Callback:    req.Callback,
		VerifyToken: req.VerifyToken,
	}

	if h.verifier.Verify(req.Mode, probe) != VerifyConfirmed {
		return OutcomeRejected, nil
	}

	if req.Mode == ModeUnsubscribe {
		if err := h.store.DeleteSubscription(req.Topic, req.Callback); err != nil {
			return OutcomeRejected, err
		}
		return OutcomeVerified, nil
	}

	lease := h.leaseExpiry(req.LeaseSeconds)
	_, err := h.store.UpsertSubscription(req.Topic, req.Callback, storage.StateVerified,
		req.VerifyModes, req.VerifyToken, req.Secret, lease)
	if err != nil {
		return OutcomeRejected, err
	}
	if err := h.trackTopic(req.Topic); err != nil {
		return OutcomeRejected, err
	}
	return OutcomeVerified, nil
}

// trackTopic makes sure the topic is known for publish pings. A topic
// created by a subscription is not fetched right away; its first fetch
// waits for a publish ping or the regular poll cadence.
func (h *Hub) trackTopic(url string) error {
	topic, err := h.store.EnsureTopic(url)
	if err != nil {
		return err
	}
	if topic.NextFetch.IsZero() {
		topic.NextFetch = time.Now().UTC().Add(h.cfg.Feed.PollInterval)
		return h.store.SaveTopic(topic)
	}
	return nil
}

// subscribeAsync records the pending request and returns before any
// verification runs. Repeated identical requests converge on the one
// stored record, each refreshing its nonce.
func (h *Hub) subscribeAsync(req SubscriptionRequest) (SubscriptionOutcome, error) {
	state := storage.StatePendingSubscribe
	var lease *time.Time
	if req.Mode == ModeUnsubscribe {
		state = storage.StatePendingUnsubscribe
	} else {
		lease = h.leaseExpiry(req.LeaseSeconds)
	}

	sub, err := h.store.UpsertSubscription(req.Topic, req.Callback, state,
		req.VerifyModes, req.VerifyToken, req.Secret, lease)
	if err != nil {
		return OutcomeRejected, err
	}

	job := verifyJob{topic: req.Topic, callback: req.Callback, nonce: sub.Nonce}
	select {
	case h.verifyCh <- job:
	default:
		// Queue full; the scheduler's pending scan will pick it up.
	}
	return OutcomeAccepted, nil
}

// Publish accepts a publisher ping and schedules an immediate fetch
// for every named topic the hub knows about. It never waits for the
// fetches themselves.
func (h *Hub) Publish(urls []string) {
	for _, url := range urls {
		topic, err := h.store.GetTopic(url)
		if err == storage.ErrNotFound {
			debuglog.Debugf("ignoring publish ping for unknown topic %s", url)
			continue
		}
		if err != nil {
			debuglog.Errorf("looking up topic %s: %v", url, err)
			continue
		}

		topic.NextFetch = time.Now().UTC()
		if err := h.store.SaveTopic(topic); err != nil {
			debuglog.Errorf("scheduling fetch for %s: %v", url, err)
			continue
		}

		select {
		case h.fetchCh <- url:
		default:
			// Queue full; the poll loop sees NextFetch is due.
		}
	}
}

func (h *Hub) leaseExpiry(leaseSeconds int) *time.Time {
	lease := h.cfg.Subscription.DefaultLease
	if leaseSeconds > 0 {
		lease = time.Duration(leaseSeconds) * time.Second
	}
	expiry := time.Now().UTC().Add(lease)
	return &expiry
}

func (h *Hub) verifyWorker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case job := <-h.verifyCh:
			h.runVerification(job)
		}
	}
}

// runVerification performs one asynchronous verification attempt. The
// nonce check discards attempts for superseded requests.
func (h *Hub) runVerification(job verifyJob) {
	unlock := h.store.LockKey(job.topic, job.callback)
	defer unlock()

	sub, err := h.store.GetSubscription(job.topic, job.callback)
	if err != nil {
		return
	}
	if !sub.Pending() || sub.Nonce != job.nonce {
		return
	}

	// Push the retry ETA out before attempting, so the scheduler's
	// pending scan does not enqueue the same attempt twice.
	_ = h.store.UpdateSubscription(job.topic, job.callback, func(s *storage.Subscription) error {
		s.NextAttempt = time.Now().UTC().Add(h.cfg.Verify.RetryBase)
		return nil
	})

	mode := ModeSubscribe
	if sub.State == storage.StatePendingUnsubscribe {
		mode = ModeUnsubscribe
	}

	switch h.verifier.Verify(mode, sub) {
	case VerifyConfirmed:
		h.applyConfirmed(sub, mode)
	case VerifyRejected:
		// Explicit rejection is terminal; drop the pending request.
		if err := h.store.DeleteSubscription(job.topic, job.callback); err != nil {
			debuglog.Errorf("removing rejected subscription %s: %v", job.callback, err)
		}
	case VerifySendFailure:
		h.confirmFailed(sub)
	}
}

func (h *Hub) applyConfirmed(sub *storage.Subscription, mode string) {
	if mode == ModeUnsubscribe {
		if err := h.store.TransitionSubscription(sub.Topic, sub.Callback, storage.StateExpired, sub.Nonce); err != nil {
			return
		}
		if err := h.store.DeleteSubscription(sub.Topic, sub.Callback); err != nil {
			debuglog.Errorf("removing unsubscribed %s: %v", sub.Callback, err)
		}
		return
	}

	if err := h.store.TransitionSubscription(sub.Topic, sub.Callback, storage.StateVerified, sub.Nonce); err != nil {
		if err != storage.ErrStaleTransition {
			debuglog.Errorf("verifying subscription %s: %v", sub.Callback, err)
		}
		return
	}
	if err := h.trackTopic(sub.Topic); err != nil {
		debuglog.Errorf("tracking topic %s: %v", sub.Topic, err)
	}
}

// confirmFailed applies the verification retry policy: exponential
// base-2 backoff on the stored ETA, giving up after the configured
// number of attempts.
func (h *Hub) confirmFailed(sub *storage.Subscription) {
	if sub.ConfirmFailures+1 >= h.cfg.Verify.MaxAttempts {
		debuglog.Infof("giving up verification of %s for %s", sub.Callback, sub.Topic)
		if err := h.store.DeleteSubscription(sub.Topic, sub.Callback); err != nil {
			debuglog.Errorf("removing unverifiable subscription %s: %v", sub.Callback, err)
		}
		return
	}

	err := h.store.UpdateSubscription(sub.Topic, sub.Callback, func(s *storage.Subscription) error {
		if s.Nonce != sub.Nonce {
			return fmt.Errorf("superseded: %w", storage.ErrStaleTransition)
		}
		delay := backoffDelay(h.cfg.Verify.RetryBase, 2, s.ConfirmFailures)
		s.ConfirmFailures++
		s.NextAttempt = time.Now().UTC().Add(delay)
		return nil
	})
	if err != nil && err != storage.ErrNotFound {
		debuglog.Debugf("verification retry bookkeeping for %s: %v", sub.Callback, err)
	}
}

func (h *Hub) fetchWorker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case url := <-h.fetchCh:
			h.fetchTopic(url)
		}
	}
}

// fetchTopic pulls a topic feed, advances its fingerprint, and
// dispatches the delta if there is one. Fetch failures reschedule
// with backoff and never touch the stored fingerprint.
func (h *Hub) fetchTopic(url string) {
	log := debuglog.WithFields(map[string]interface{}{"topic": url})

	topic, err := h.store.EnsureTopic(url)
	if err != nil {
		log.Errorf("loading topic: %v", err)
		return
	}

	subscribers, err := h.store.CountActive(url)
	if err != nil {
		log.Errorf("counting subscribers: %v", err)
		return
	}
	if subscribers == 0 {
		// Nothing to deliver to; push the next poll out and let the
		// sweep garbage-collect the record if it stays unreferenced.
		topic.NextFetch = time.Now().UTC().Add(h.cfg.Feed.PollInterval)
		if err := h.store.SaveTopic(topic); err != nil {
			log.Errorf("saving topic: %v", err)
		}
		return
	}

	resp, fresh, err := h.fetcher.Fetch(topic, subscribers)
	if err != nil {
		log.Infof("fetch failed: %v", err)
		h.fetchFailed(topic)
		return
	}

	now := time.Now().UTC()
	if !fresh {
		topic.LastFetch = now
		topic.NextFetch = now.Add(h.cfg.Feed.PollInterval)
		topic.FetchFailures = 0
		if err := h.store.SaveTopic(topic); err != nil {
			log.Errorf("saving topic: %v", err)
		}
		return
	}
	defer resp.Body.Close()

	doc, err := h.parser.Parse(resp.Body)
	if err != nil {
		log.Infof("parse failed: %v", err)
		h.fetchFailed(topic)
		return
	}

	delta := feed.ComputeDelta(topic, doc)

	// The fingerprint advances even when the delta is empty, so
	// unchanged content is not re-diffed on the next poll.
	feed.ApplyFetch(topic, doc)
	h.fetcher.UpdateTopicMetadata(topic, resp)
	topic.NextFetch = now.Add(h.cfg.Feed.PollInterval)

	if err := h.store.SaveTopic(topic); err != nil {
		log.Errorf("saving topic: %v", err)
		return
	}

	if len(delta) == 0 {
		log.Debugf("no new entries")
		return
	}

	log.Infof("found %d new or changed entries", len(delta))
	if err := h.dispatch(topic, delta); err != nil {
		log.Errorf("dispatch failed: %v", err)
	}
}

func (h *Hub) fetchFailed(topic *storage.Topic) {
	now := time.Now().UTC()
	if topic.FetchFailures >= h.cfg.Feed.MaxFetchRetries {
		// Out of retries; fall back to the regular polling cadence.
		topic.FetchFailures = 0
		topic.NextFetch = now.Add(h.cfg.Feed.PollInterval)
	} else {
		topic.NextFetch = now.Add(backoffDelay(h.cfg.Feed.FetchRetryBase, 2, topic.FetchFailures))
		topic.FetchFailures++
	}
	if err := h.store.SaveTopic(topic); err != nil {
		debuglog.Errorf("rescheduling topic %s: %v", topic.URL, err)
	}
}

func preferredMode(modes []string) string {
	for _, mode := range modes {
		if mode == "sync" || mode == "async" {
			return mode
		}
	}
	return "sync"
}
