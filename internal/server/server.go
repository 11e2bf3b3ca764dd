// Package server exposes the hub's HTTP surface: subscription
// requests and publisher pings, multiplexed on hub.mode the way the
// protocol describes.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/debuglog"
	"github.com/pders01/hubbub/internal/hub"
	"github.com/pders01/hubbub/internal/validation"
)

type Server struct {
	hub       *hub.Hub
	validator *validation.EndpointValidator
	mux       *http.ServeMux
}

func New(h *hub.Hub, cfg *config.Config) *Server {
	validator := validation.NewEndpointValidator()
	if cfg.Server.AllowLocalCallbacks {
		validator = validation.NewPermissiveEndpointValidator()
	}

	s := &Server{
		hub:       h,
		validator: validator,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleHub)
	s.mux.HandleFunc("/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("/publish", s.handlePublish)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleHub multiplexes subscribe, unsubscribe and publish requests
// arriving on the hub URL itself.
func (s *Server) handleHub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is supported", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch strings.ToLower(r.FormValue("hub.mode")) {
	case "publish":
		s.servePublish(w, r)
	case hub.ModeSubscribe, hub.ModeUnsubscribe:
		s.serveSubscription(w, r)
	default:
		http.Error(w, "hub.mode is invalid", http.StatusBadRequest)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is supported", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.serveSubscription(w, r)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is supported", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.servePublish(w, r)
}

func (s *Server) serveSubscription(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseSubscriptionRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := s.hub.Subscribe(*req)
	if err != nil {
		debuglog.Errorf("subscription request for %s failed: %v", req.Callback, err)
		http.Error(w, "Error handling subscription request", http.StatusInternalServerError)
		return
	}

	switch outcome {
	case hub.OutcomeVerified:
		w.WriteHeader(http.StatusNoContent)
	case hub.OutcomeAccepted:
		w.WriteHeader(http.StatusAccepted)
	case hub.OutcomeRejected:
		http.Error(w, "Error trying to confirm subscription", http.StatusConflict)
	}
}

func (s *Server) parseSubscriptionRequest(r *http.Request) (*hub.SubscriptionRequest, error) {
	mode := strings.ToLower(r.FormValue("hub.mode"))
	if mode != hub.ModeSubscribe && mode != hub.ModeUnsubscribe {
		return nil, fmt.Errorf("invalid value for hub.mode: %s", mode)
	}

	callback, err := s.validator.ValidateAndNormalize(r.FormValue("hub.callback"))
	if err != nil {
		return nil, fmt.Errorf("invalid parameter hub.callback: %w", err)
	}

	topic, err := s.validator.ValidateAndNormalize(r.FormValue("hub.topic"))
	if err != nil {
		return nil, fmt.Errorf("invalid parameter hub.topic: %w", err)
	}

	modes, err := parseVerifyModes(r.FormValue("hub.verify"))
	if err != nil {
		return nil, err
	}

	leaseSeconds := 0
	if raw := r.FormValue("hub.lease_seconds"); raw != "" {
		leaseSeconds, err = strconv.Atoi(raw)
		if err != nil || leaseSeconds < 0 {
			return nil, fmt.Errorf("invalid parameter hub.lease_seconds: %s", raw)
		}
	}

	return &hub.SubscriptionRequest{
		Mode:         mode,
		Callback:     callback,
		Topic:        topic,
		VerifyModes:  modes,
		VerifyToken:  r.FormValue("hub.verify_token"),
		Secret:       r.FormValue("hub.secret"),
		LeaseSeconds: leaseSeconds,
	}, nil
}

// parseVerifyModes splits the comma-separated, preference-ordered
// hub.verify value. An absent value defaults to sync.
func parseVerifyModes(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{"sync"}, nil
	}

	var modes []string
	for _, part := range strings.Split(raw, ",") {
		mode := strings.ToLower(strings.TrimSpace(part))
		if mode != "sync" && mode != "async" {
			return nil, fmt.Errorf("invalid value for hub.verify: %s", raw)
		}
		modes = append(modes, mode)
	}
	return modes, nil
}

// servePublish validates every hub.url and schedules immediate
// fetches; the 202 is written before any fetch runs.
func (s *Server) servePublish(w http.ResponseWriter, r *http.Request) {
	urls := r.Form["hub.url"]
	if len(urls) == 0 {
		http.Error(w, "MUST supply at least one hub.url parameter", http.StatusBadRequest)
		return
	}

	normalized := make([]string, 0, len(urls))
	for _, raw := range urls {
		url, err := s.validator.ValidateAndNormalize(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("hub.url invalid: %s", raw), http.StatusBadRequest)
			return
		}
		normalized = append(normalized, url)
	}

	debuglog.Infof("publish ping for %d URL(s)", len(normalized))
	s.hub.Publish(normalized)

	w.WriteHeader(http.StatusAccepted)
}
