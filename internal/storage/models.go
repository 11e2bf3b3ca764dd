package storage

import (
	"time"
)

// SubscriptionState tracks where a (topic, callback) pair is in its
// lifecycle. Transitions are driven by verification outcomes and the
// expiry sweep.
type SubscriptionState string

const (
	StatePendingSubscribe   SubscriptionState = "pending_subscribe"
	StatePendingUnsubscribe SubscriptionState = "pending_unsubscribe"
	StateVerified           SubscriptionState = "verified"
	StateExpired            SubscriptionState = "expired"
)

type Subscription struct {
	Topic       string            `json:"topic"`
	Callback    string            `json:"callback"`
	State       SubscriptionState `json:"state"`
	VerifyModes []string          `json:"verify_modes"`
	VerifyToken string            `json:"verify_token,omitempty"`
	Secret      string            `json:"secret,omitempty"`

	// Nonce identifies the request that put the record into a pending
	// state. A transition only applies when it carries the same nonce,
	// so a verification round-trip for a superseded request is a no-op.
	Nonce string `json:"nonce"`

	// LeaseExpiry is nil for subscriptions without an expiry.
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`

	FailureCount    int       `json:"failure_count"`
	ConfirmFailures int       `json:"confirm_failures"`
	NextAttempt     time.Time `json:"next_attempt"`
	LastDelivery    time.Time `json:"last_delivery"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether the subscription should receive deliveries.
func (s *Subscription) Active(now time.Time) bool {
	if s.State != StateVerified {
		return false
	}
	if s.LeaseExpiry != nil && !s.LeaseExpiry.After(now) {
		return false
	}
	return true
}

// Pending reports whether the subscription is awaiting verification.
func (s *Subscription) Pending() bool {
	return s.State == StatePendingSubscribe || s.State == StatePendingUnsubscribe
}

// Topic is the cached record of a feed the hub knows about. The
// fingerprint maps entry IDs to the last update timestamp seen for
// them; FeedUpdated is the feed-level updated floor used to classify
// stale entries as context rather than delta.
type Topic struct {
	URL      string `json:"url"`
	AtomID   string `json:"atom_id"`
	Title    string `json:"title"`
	SelfLink string `json:"self_link"`
	HubLink  string `json:"hub_link,omitempty"`

	Fingerprint map[string]time.Time `json:"fingerprint"`
	FeedUpdated time.Time            `json:"feed_updated"`

	ETag          string    `json:"etag"`
	LastModified  string    `json:"last_modified"`
	LastFetch     time.Time `json:"last_fetch"`
	NextFetch     time.Time `json:"next_fetch"`
	FetchFailures int       `json:"fetch_failures"`
}
