package trigger

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
	hex "github.com/tmthrgd/go-hex"

	"github.com/riftlabs/flowengine/internal/ratelimit"
)

// WebhookAuthenticator validates an inbound webhook request and returns a
// caller identity used as the rate-limit key, or an error if unauthorized.
type WebhookAuthenticator interface {
	Authenticate(r *http.Request) (caller string, err error)
}

var (
	ErrMissingCredential = errors.New("missing webhook credential")
	ErrInvalidCredential = errors.New("invalid webhook credential")
)

// BearerJWTAuth validates a JWT bearer token, mirroring the connection-time
// auth the websocket hub performs for long-lived connections.
type BearerJWTAuth struct {
	secretKey string
}

func NewBearerJWTAuth(secretKey string) *BearerJWTAuth { return &BearerJWTAuth{secretKey: secretKey} }

func (a *BearerJWTAuth) Authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", ErrMissingCredential
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return []byte(a.secretKey), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidCredential
	}
	sub, _ := token.Claims.GetSubject()
	if sub == "" {
		sub = "webhook-caller"
	}
	return sub, nil
}

// APIKeyAuth validates a static per-caller key from the X-API-Key header.
type APIKeyAuth struct {
	keys map[string]string // key -> caller name
}

func NewAPIKeyAuth(keys map[string]string) *APIKeyAuth { return &APIKeyAuth{keys: keys} }

func (a *APIKeyAuth) Authenticate(r *http.Request) (string, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return "", ErrMissingCredential
	}
	caller, ok := a.keys[key]
	if !ok {
		return "", ErrInvalidCredential
	}
	return caller, nil
}

// NoAuth admits every caller under a fixed identity; for local/dev use.
type NoAuth struct{}

func (NoAuth) Authenticate(r *http.Request) (string, error) { return "anonymous", nil }

// WebhookConfig describes one registered webhook endpoint.
type WebhookConfig struct {
	ID         string
	Path       string
	Method     string
	WorkflowID string
	Auth       WebhookAuthenticator
	RateLimit  *ratelimit.TokenBucket // nil disables rate limiting
	RateCost   int
	Validate   func(payload map[string]any) error
	DedupTTL   time.Duration // 0 disables dedup
}

// WebhookDispatcher serves registered webhook endpoints over a single
// net/http.ServeMux, matching the teacher's plain-stdlib HTTP posture: no
// ecosystem router is warranted for this concern.
type WebhookDispatcher struct {
	mux    *http.ServeMux
	onFire FireFunc

	mu    sync.Mutex
	seen  map[string]time.Time // dedup key -> expiry
	hooks map[string]WebhookConfig
}

// NewWebhookDispatcher builds an empty dispatcher; onFire is invoked for
// every request that passes auth, rate-limiting, validation and dedup.
func NewWebhookDispatcher(onFire FireFunc) *WebhookDispatcher {
	d := &WebhookDispatcher{
		mux:   http.NewServeMux(),
		onFire: onFire,
		seen:  map[string]time.Time{},
		hooks: map[string]WebhookConfig{},
	}
	return d
}

// Handler returns the dispatcher's http.Handler for mounting in a server.
func (d *WebhookDispatcher) Handler() http.Handler { return d.mux }

// Register wires cfg.Path into the mux.
func (d *WebhookDispatcher) Register(cfg WebhookConfig) {
	d.mu.Lock()
	d.hooks[cfg.ID] = cfg
	d.mu.Unlock()
	d.mux.HandleFunc(cfg.Path, d.serve(cfg))
}

func (d *WebhookDispatcher) serve(cfg WebhookConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Method != "" && r.Method != cfg.Method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		caller := "anonymous"
		if cfg.Auth != nil {
			var err error
			caller, err = cfg.Auth.Authenticate(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}

		if cfg.RateLimit != nil {
			cost := cfg.RateCost
			if cost <= 0 {
				cost = 1
			}
			res := cfg.RateLimit.Consume(caller, cost)
			if !res.Allowed {
				w.Header().Set("Retry-After", res.RetryAfter.String())
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		var payload map[string]any
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err.Error() != "EOF" {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}

		if cfg.Validate != nil {
			if err := cfg.Validate(payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		if cfg.DedupTTL > 0 {
			dedupKey, err := payloadDedupKey(cfg.ID, payload)
			if err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			d.mu.Lock()
			if exp, dup := d.seen[dedupKey]; dup && time.Now().Before(exp) {
				d.mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_ = json.NewEncoder(w).Encode(map[string]any{"triggered": false})
				return
			}
			d.seen[dedupKey] = time.Now().Add(cfg.DedupTTL)
			d.mu.Unlock()
		}

		runID, err := d.onFire(r.Context(), payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"triggered": true, "runId": runID})
	}
}

// payloadDedupKey hashes the decoded payload body, scoped to the webhook's
// own ID so two different endpoints with the same payload don't collide.
// Computed from the payload itself rather than a client-supplied header, so
// dedup can't be bypassed by omitting or varying a header on an identical
// body.
func payloadDedupKey(webhookID string, payload map[string]any) (string, error) {
	canon, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.WriteString(webhookID)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SweepDedup drops expired dedup keys; call periodically from a ticker.
func (d *WebhookDispatcher) SweepDedup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
