package hub

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/debuglog"
	"github.com/pders01/hubbub/internal/storage"
)

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
)

// VerifyOutcome is the result of one intent-verification round-trip
// against a subscriber callback.
type VerifyOutcome int

const (
	// VerifyConfirmed means the callback acknowledged the request
	// with a 2xx response.
	VerifyConfirmed VerifyOutcome = iota
	// VerifyRejected means the callback answered but refused the
	// request; terminal for this attempt.
	VerifyRejected
	// VerifySendFailure means the callback could not be reached at
	// all; retry-eligible in async mode.
	VerifySendFailure
)

func (o VerifyOutcome) String() string {
	switch o {
	case VerifyConfirmed:
		return "confirmed"
	case VerifyRejected:
		return "rejected"
	case VerifySendFailure:
		return "send failure"
	default:
		return "unknown"
	}
}

// Verifier performs the challenge GET that confirms a subscriber
// actually asked for the subscription change.
type Verifier struct {
	client *http.Client
}

func NewVerifier(cfg *config.Config) *Verifier {
	return &Verifier{
		client: &http.Client{
			Timeout: cfg.Verify.Timeout,
		},
	}
}

// Verify issues the challenge GET to the callback. Any 2xx confirms;
// a 404 is an explicit rejection (the subscriber does not recognize
// the request); any other status is treated as a rejection per
// protocol, while transport errors are reported separately so async
// verification can retry them.
func (v *Verifier) Verify(mode string, sub *storage.Subscription) VerifyOutcome {
	params := url.Values{}
	params.Set("hub.mode", mode)
	params.Set("hub.topic", sub.Topic)
	params.Set("hub.challenge", newChallenge())
	if sub.VerifyToken != "" {
		params.Set("hub.verify_token", sub.VerifyToken)
	}

	verifyURL, err := buildVerifyURL(sub.Callback, params)
	if err != nil {
		debuglog.Warnf("invalid callback URL %s: %v", sub.Callback, err)
		return VerifyRejected
	}

	resp, err := v.client.Get(verifyURL)
	if err != nil {
		debuglog.Infof("verification send failure for %s: %v", sub.Callback, err)
		return VerifySendFailure
	}
	defer resp.Body.Close()

	// The response body need not be inspected; status alone decides.
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return VerifyConfirmed
	case resp.StatusCode == http.StatusNotFound:
		return VerifyRejected
	default:
		debuglog.Infof("verification of %s returned status %d", sub.Callback, resp.StatusCode)
		return VerifyRejected
	}
}

// buildVerifyURL appends the hub parameters to the callback URL,
// preserving any query string the subscriber already put there.
func buildVerifyURL(callback string, params url.Values) (string, error) {
	parsed, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("parsing callback: %w", err)
	}

	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// newChallenge generates the random string a conforming subscriber
// echoes back in its verification response.
func newChallenge() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
