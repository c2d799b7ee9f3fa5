package server

import (
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/odinfed/odinfed-go/internal/api"
	"github.com/odinfed/odinfed-go/internal/appctx"
	"github.com/odinfed/odinfed-go/internal/authctx"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/permissions"
)

// Owner credential headers. The master key is never stored server-side;
// the owner client presents it per request and wrong keys surface as
// key-hash mismatches when a wrapped key is opened.
const (
	HeaderMasterKey64    = "X-Odin-Master-Key64"
	HeaderSharedSecret64 = "X-Odin-Shared-Secret64"
	HeaderOdinID         = "X-Odin-Id"
)

// loggingMiddleware logs request information using slog and attaches a
// request-scoped logger carrying the correlation id for downstream
// handlers.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())

		ctx := appctx.WithRequestID(r.Context(), reqID)
		ctx = appctx.WithLogger(ctx, s.logger.With("request_id", reqID))

		defer func() {
			s.logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		}()

		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

// authMiddleware resolves the caller into an OdinContext according to
// the route group's credential kind.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch AuthRequired(r.URL.Path) {
		case AuthNone:
			next.ServeHTTP(w, r)
		case AuthOwner:
			s.ownerAuth(next, w, r)
		case AuthPeer:
			s.peerAuth(next, w, r)
		}
	})
}

// ownerAuth builds the owner security context from the credential
// headers. The owner group spans every drive on the tenant.
func (s *Server) ownerAuth(next http.Handler, w http.ResponseWriter, r *http.Request) {
	masterKey64 := r.Header.Get(HeaderMasterKey64)
	sharedSecret64 := r.Header.Get(HeaderSharedSecret64)
	if masterKey64 == "" || sharedSecret64 == "" {
		api.WriteUnauthorized(w, "owner credentials required")
		return
	}
	masterKeyRaw, err := base64.StdEncoding.DecodeString(masterKey64)
	if err != nil || len(masterKeyRaw) != crypto.AesKeySize {
		api.WriteUnauthorized(w, "malformed master key")
		return
	}
	sharedSecretRaw, err := base64.StdEncoding.DecodeString(sharedSecret64)
	if err != nil || len(sharedSecretRaw) == 0 {
		api.WriteUnauthorized(w, "malformed shared secret")
		return
	}
	masterKey := crypto.NewSecretMaterial(masterKeyRaw)
	sharedSecret := crypto.NewSecretMaterial(sharedSecretRaw)

	allDrives, err := s.deps.Manager.ListDrives(r.Context())
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}

	caller := authctx.NewOwnerCallerContext(s.deps.Tenant, masterKey)
	pc := permissions.NewContext(map[string]*permissions.Group{
		"owner": permissions.BuildOwnerGroup(allDrives, masterKey),
	}, sharedSecret)
	octx := authctx.NewWithPermissions(s.deps.Tenant, caller, pc)

	next.ServeHTTP(w, r.WithContext(api.ContextWithOdin(r.Context(), octx)))
}

// peerAuth authenticates a remote identity server by its connection
// secret and resolves the caller into the permission context its grants
// define. Unknown identities and wrong secrets are indistinguishable to
// the caller.
func (s *Server) peerAuth(next http.Handler, w http.ResponseWriter, r *http.Request) {
	odinIDRaw := r.Header.Get(HeaderOdinID)
	bearer := bearerToken(r)
	if odinIDRaw == "" || bearer == "" {
		api.WriteUnauthorized(w, "peer credentials required")
		return
	}
	odinID, err := identity.New(odinIDRaw)
	if err != nil {
		api.WriteUnauthorized(w, "invalid peer identity")
		return
	}
	secretRaw, err := base64.StdEncoding.DecodeString(bearer)
	if err != nil {
		api.WriteUnauthorized(w, "malformed peer credential")
		return
	}
	presented := crypto.NewSecretMaterial(secretRaw)

	octx, conn, err := s.deps.Conns.BuildPeerContext(r.Context(), s.deps.Tenant, odinID)
	if err != nil {
		api.WriteUnauthorized(w, "unknown peer or bad credential")
		return
	}
	if !conn.ConnectionSecret.Equals(presented) {
		api.WriteUnauthorized(w, "unknown peer or bad credential")
		return
	}

	next.ServeHTTP(w, r.WithContext(api.ContextWithOdin(r.Context(), octx)))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RateLimitConfig holds configuration for a rate-limited path prefix.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// simpleRateLimiter is an in-memory fixed-window limiter per key.
type simpleRateLimiter struct {
	mu       sync.Mutex
	counters map[string]*limitCounter
	limit    int
	burst    int
	window   time.Duration
}

type limitCounter struct {
	count   int
	resetAt time.Time
}

func newSimpleRateLimiter(requestsPerMinute, burst int) *simpleRateLimiter {
	return &simpleRateLimiter{
		counters: make(map[string]*limitCounter),
		limit:    requestsPerMinute,
		burst:    burst,
		window:   time.Minute,
	}
}

func (l *simpleRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	counter, exists := l.counters[key]
	if !exists || now.After(counter.resetAt) {
		l.counters[key] = &limitCounter{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if counter.count < l.limit+l.burst {
		counter.count++
		return true
	}
	return false
}

// rateLimitMiddleware applies rate limiting to the configured path
// prefixes, keyed by the presented peer identity when there is one and
// the client address otherwise.
func (s *Server) rateLimitMiddleware(config map[string]RateLimitConfig) func(next http.Handler) http.Handler {
	limiters := make(map[string]*simpleRateLimiter)
	for path, cfg := range config {
		limiters[path] = newSimpleRateLimiter(cfg.RequestsPerMinute, cfg.Burst)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var limiter *simpleRateLimiter
			var matchedPath string
			for path, l := range limiters {
				if pathMatchesPrefix(r.URL.Path, path) {
					limiter = l
					matchedPath = path
					break
				}
			}

			if limiter != nil {
				key := r.Header.Get(HeaderOdinID)
				if key == "" {
					key = r.RemoteAddr
				}
				if !limiter.allow(key) {
					s.logger.Warn("rate limit exceeded",
						"path", matchedPath,
						"key", key,
					)
					w.Header().Set("Retry-After", "60")
					api.WriteError(w, http.StatusTooManyRequests, api.ReasonBadRequest, "too many requests, please try again later")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
