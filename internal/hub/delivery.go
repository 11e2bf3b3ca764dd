package hub

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/pders01/hubbub/internal/atom"
	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/debuglog"
	"github.com/pders01/hubbub/internal/storage"
)

// DeliveryTask is the ephemeral unit of fan-out: one notification
// payload bound for one subscriber callback.
type DeliveryTask struct {
	Topic    string
	Callback string
	Secret   string
	Payload  []byte
}

// DeliveryPool POSTs notification payloads to subscriber callbacks.
// Tasks are routed to a fixed worker by a hash of the callback URL,
// so successive deltas for one subscriber are delivered in order
// while distinct subscribers proceed in parallel.
type DeliveryPool struct {
	cfg    *config.Config
	store  *storage.Store
	client *http.Client

	queues []chan *DeliveryTask
	wg     sync.WaitGroup
}

func NewDeliveryPool(store *storage.Store, cfg *config.Config) *DeliveryPool {
	workers := cfg.Delivery.Workers
	if workers < 1 {
		workers = 1
	}

	queues := make([]chan *DeliveryTask, workers)
	for i := range queues {
		queues[i] = make(chan *DeliveryTask, 64)
	}

	return &DeliveryPool{
		cfg:   cfg,
		store: store,
		client: &http.Client{
			Timeout: cfg.Delivery.Timeout,
		},
		queues: queues,
	}
}

func (p *DeliveryPool) Start() {
	for _, queue := range p.queues {
		p.wg.Add(1)
		go func(queue chan *DeliveryTask) {
			defer p.wg.Done()
			for task := range queue {
				p.run(task)
			}
		}(queue)
	}
}

// Stop drains the queues and waits for in-flight deliveries.
func (p *DeliveryPool) Stop() {
	for _, queue := range p.queues {
		close(queue)
	}
	p.wg.Wait()
}

// Enqueue hands a task to the worker owning its callback. It never
// blocks the dispatcher beyond the queue buffer.
func (p *DeliveryPool) Enqueue(task *DeliveryTask) {
	h := fnv.New32a()
	h.Write([]byte(task.Callback))
	p.queues[int(h.Sum32())%len(p.queues)] <- task
}

// run attempts the delivery with exponential backoff, then records
// the terminal result on the subscription.
func (p *DeliveryPool) run(task *DeliveryTask) {
	log := debuglog.WithFields(map[string]interface{}{
		"topic":    task.Topic,
		"callback": task.Callback,
	})

	var lastErr error
	for attempt := 0; attempt < p.cfg.Delivery.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(p.cfg.Delivery.RetryBase, p.cfg.Delivery.RetryMultiplier, attempt-1))
		}

		if lastErr = p.deliver(task); lastErr == nil {
			log.Debugf("delivered after %d attempt(s)", attempt+1)
			p.recordSuccess(task)
			return
		}
		log.Infof("delivery attempt %d failed: %v", attempt+1, lastErr)
	}

	log.Warnf("delivery exhausted after %d attempts: %v", p.cfg.Delivery.MaxAttempts, lastErr)
	p.recordExhaustion(task)
}

// deliver performs a single POST of the Atom payload.
func (p *DeliveryPool) deliver(task *DeliveryTask) error {
	req, err := http.NewRequest(http.MethodPost, task.Callback, bytes.NewReader(task.Payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", atom.ContentType)
	if task.Secret != "" {
		req.Header.Set("X-Hub-Signature", "sha256="+signPayload(task.Secret, task.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}
	return nil
}

func (p *DeliveryPool) recordSuccess(task *DeliveryTask) {
	err := p.store.UpdateSubscription(task.Topic, task.Callback, func(sub *storage.Subscription) error {
		sub.FailureCount = 0
		sub.LastDelivery = time.Now().UTC()
		return nil
	})
	if err != nil && err != storage.ErrNotFound {
		debuglog.Errorf("recording delivery success for %s: %v", task.Callback, err)
	}
}

// recordExhaustion increments the failure counter exactly once per
// exhausted task, and unsubscribes the callback hub-side when it
// crosses the configured threshold.
func (p *DeliveryPool) recordExhaustion(task *DeliveryTask) {
	err := p.store.UpdateSubscription(task.Topic, task.Callback, func(sub *storage.Subscription) error {
		sub.FailureCount++
		sub.LastDelivery = time.Now().UTC()
		if sub.FailureCount >= p.cfg.Delivery.FailureThreshold {
			debuglog.Warnf("unsubscribing %s from %s after %d consecutive failures",
				task.Callback, task.Topic, sub.FailureCount)
			sub.State = storage.StateExpired
		}
		return nil
	})
	if err != nil && err != storage.ErrNotFound {
		debuglog.Errorf("recording delivery failure for %s: %v", task.Callback, err)
	}
}

// signPayload computes the HMAC-SHA256 digest carried in the
// X-Hub-Signature header for subscriptions with a secret.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoffDelay returns base * multiplier^attempt.
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}
	return time.Duration(delay)
}
