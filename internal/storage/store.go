package storage

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	subscriptionsBucket = []byte("subscriptions")
	topicsBucket        = []byte("topics")
)

var ErrNotFound = fmt.Errorf("record not found")

// ErrStaleTransition is returned when a state transition carries a
// nonce that no longer matches the stored record, meaning a newer
// request superseded the one that triggered the verification.
var ErrStaleTransition = fmt.Errorf("subscription request superseded")

// Store holds the subscription table and the topic cache. bbolt
// transactions serialize all mutations; the per-key mutexes serialize
// whole verify round-trips for one (topic, callback) pair so that
// concurrent subscribe/unsubscribe requests cannot interleave.
type Store struct {
	db *bolt.DB

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{subscriptionsBucket, topicsBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db, keyLocks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LockKey acquires the mutex for one (topic, callback) pair and
// returns the unlock function. Callers hold it across the full
// verify round-trip.
func (s *Store) LockKey(topic, callback string) func() {
	key := subscriptionKey(topic, callback)

	s.mu.Lock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func subscriptionKey(topic, callback string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(topic+"\n"+callback)))
}

func topicKey(topic string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(topic)))
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// UpsertSubscription records a subscribe or unsubscribe request. An
// existing record for the same (topic, callback) pair is updated in
// place with a fresh nonce, never duplicated.
func (s *Store) UpsertSubscription(topic, callback string, state SubscriptionState, modes []string, token, secret string, leaseExpiry *time.Time) (*Subscription, error) {
	now := time.Now().UTC()
	sub := &Subscription{}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		key := []byte(subscriptionKey(topic, callback))

		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, sub); err != nil {
				return err
			}
		} else {
			sub.Topic = topic
			sub.Callback = callback
			sub.CreatedAt = now
		}

		sub.State = state
		sub.VerifyModes = modes
		sub.VerifyToken = token
		if secret != "" {
			sub.Secret = secret
		}
		sub.LeaseExpiry = leaseExpiry
		sub.Nonce = newNonce()
		sub.ConfirmFailures = 0
		sub.NextAttempt = now
		sub.UpdatedAt = now

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, fmt.Errorf("upserting subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) GetSubscription(topic, callback string) (*Subscription, error) {
	var sub Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		data := b.Get([]byte(subscriptionKey(topic, callback)))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// TransitionSubscription applies a verification outcome. The nonce
// must match the stored record; otherwise the triggering request was
// superseded and the transition is discarded.
func (s *Store) TransitionSubscription(topic, callback string, state SubscriptionState, nonce string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		key := []byte(subscriptionKey(topic, callback))

		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}

		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		if sub.Nonce != nonce {
			return ErrStaleTransition
		}

		sub.State = state
		sub.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&sub)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// DeleteSubscription removes the record outright. A verified
// unsubscribe and a hub-side unsubscribe both end here.
func (s *Store) DeleteSubscription(topic, callback string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Delete([]byte(subscriptionKey(topic, callback)))
	})
}

// UpdateSubscription runs a read-modify-write on one record inside a
// single transaction. The function receives the current record; the
// modified record is written back when it returns nil.
func (s *Store) UpdateSubscription(topic, callback string, fn func(*Subscription) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		key := []byte(subscriptionKey(topic, callback))

		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}

		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		if err := fn(&sub); err != nil {
			return err
		}
		sub.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&sub)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// FindActive returns the verified, unexpired subscriptions for a
// topic, ordered by callback so fan-out is deterministic.
func (s *Store) FindActive(topic string) ([]*Subscription, error) {
	now := time.Now().UTC()
	var subs []*Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		return b.ForEach(func(_ []byte, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.Topic == topic && sub.Active(now) {
				subs = append(subs, &sub)
			}
			return nil
		})
	})

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Callback < subs[j].Callback
	})
	return subs, err
}

// CountActive reports the approximate subscriber count for a topic,
// used for the X-Hub-Subscribers fetch header.
func (s *Store) CountActive(topic string) (int, error) {
	subs, err := s.FindActive(topic)
	return len(subs), err
}

// PendingVerifications returns subscriptions awaiting an asynchronous
// verification attempt whose retry ETA has arrived.
func (s *Store) PendingVerifications(now time.Time) ([]*Subscription, error) {
	var subs []*Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		return b.ForEach(func(_ []byte, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.Pending() && !sub.NextAttempt.After(now) {
				subs = append(subs, &sub)
			}
			return nil
		})
	})

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].NextAttempt.Before(subs[j].NextAttempt)
	})
	return subs, err
}

// SweepExpired removes subscriptions whose lease has lapsed and
// returns how many were removed.
func (s *Store) SweepExpired(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				continue
			}
			expired := sub.State == StateExpired ||
				(sub.LeaseExpiry != nil && !sub.LeaseExpiry.After(now))
			if expired {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *Store) SaveTopic(topic *Topic) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicsBucket)
		data, err := json.Marshal(topic)
		if err != nil {
			return err
		}
		return b.Put([]byte(topicKey(topic.URL)), data)
	})
}

func (s *Store) GetTopic(url string) (*Topic, error) {
	var topic Topic
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicsBucket)
		data := b.Get([]byte(topicKey(url)))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &topic)
	})
	if err != nil {
		return nil, err
	}
	return &topic, nil
}

// EnsureTopic returns the cached record for a topic URL, creating an
// empty one if the hub has never fetched it.
func (s *Store) EnsureTopic(url string) (*Topic, error) {
	topic, err := s.GetTopic(url)
	if err == nil {
		return topic, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	topic = &Topic{URL: url, Fingerprint: make(map[string]time.Time)}
	if err := s.SaveTopic(topic); err != nil {
		return nil, err
	}
	return topic, nil
}

// TopicsDue returns topics whose next scheduled fetch time has
// arrived.
func (s *Store) TopicsDue(now time.Time) ([]*Topic, error) {
	var topics []*Topic
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicsBucket)
		return b.ForEach(func(_ []byte, v []byte) error {
			var topic Topic
			if err := json.Unmarshal(v, &topic); err != nil {
				return err
			}
			if !topic.NextFetch.After(now) {
				topics = append(topics, &topic)
			}
			return nil
		})
	})
	return topics, err
}

// SweepTopics garbage-collects topic records that no subscription
// references anymore. Topics with any subscription record, pending or
// verified, are kept.
func (s *Store) SweepTopics() (int, error) {
	referenced := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		return b.ForEach(func(_ []byte, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			referenced[sub.Topic] = true
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var topic Topic
			if err := json.Unmarshal(v, &topic); err != nil {
				continue
			}
			if !referenced[topic.URL] {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
