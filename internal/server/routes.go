package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odinfed/odinfed-go/internal/api"
)

// RouteGroup defines an endpoint group with its auth requirements.
type RouteGroup struct {
	Name       string
	PathPrefix string
	Auth       AuthKind
}

// AuthKind selects which credential a route group accepts.
type AuthKind int

const (
	AuthNone  AuthKind = iota
	AuthOwner          // owner credential headers
	AuthPeer           // peer identity plus connection secret
)

// routeGroups is the single source of truth for routing decisions.
var routeGroups = []RouteGroup{
	{Name: "health", PathPrefix: "/api/healthz", Auth: AuthNone},
	{Name: "owner-api", PathPrefix: "/api/owner/v1", Auth: AuthOwner},
	{Name: "peer-api", PathPrefix: "/api/peer/v1", Auth: AuthPeer},
}

// GetRouteGroups returns the route group definitions for testing.
func GetRouteGroups() []RouteGroup {
	return routeGroups
}

// AuthRequired reports which credential a path needs. Unknown paths
// default to the owner credential so a routing mistake fails closed.
func AuthRequired(path string) AuthKind {
	for _, rg := range routeGroups {
		if pathMatchesPrefix(path, rg.PathPrefix) {
			return rg.Auth
		}
	}
	return AuthOwner
}

// pathMatchesPrefix checks if path equals or is a subpath of prefix.
func pathMatchesPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		if path[len(prefix)] == '/' {
			return true
		}
	}
	return false
}

// setupRoutes creates the chi router with all route groups mounted.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// RequestID must come first so GetReqID works in the access log.
	// loggingMiddleware wraps the response and Recoverer writes through
	// the wrapper, so the access log captures the status of panics too.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// The peer surface takes unauthenticated-by-session traffic from the
	// open internet; keep a ceiling on it.
	r.Use(s.rateLimitMiddleware(map[string]RateLimitConfig{
		"/api/peer/v1": {RequestsPerMinute: 120, Burst: 30},
	}))

	r.Use(s.authMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", api.HealthHandler(s.deps.Tenant.String()))

		r.Route("/owner/v1", func(r chi.Router) {
			r.Route("/drive/mgmt", func(r chi.Router) {
				r.Post("/create", s.driveHandlers.HandleCreate)
				r.Get("/list", s.driveHandlers.HandleList)
			})
			r.Route("/drive/files", func(r chi.Router) {
				r.Post("/upload", s.fileHandlers.HandleUpload)
				r.Get("/header", s.fileHandlers.HandleGetHeader)
				r.Get("/payload", s.fileHandlers.HandleGetPayload)
				r.Get("/transfer-history", s.fileHandlers.HandleGetTransferHistory)
				r.Post("/delete", s.fileHandlers.HandleDelete)
				r.Post("/send", s.fileHandlers.HandleSend)
			})
			r.Route("/connections", func(r chi.Router) {
				r.Post("/connect", s.connHandlers.HandleConnect)
				r.Post("/grant", s.connHandlers.HandleGrant)
				r.Post("/circles", s.connHandlers.HandleSetCircles)
				r.Get("/list", s.connHandlers.HandleList)
				r.Post("/disconnect", s.connHandlers.HandleDisconnect)
			})
			r.Route("/queues", func(r chi.Router) {
				r.Post("/outbox/process", s.queueHandlers.HandleProcessOutbox)
				r.Post("/inbox/process", s.queueHandlers.HandleProcessInbox)
				r.Post("/recover", s.queueHandlers.HandleRecover)
			})
		})

		r.Route("/peer/v1", func(r chi.Router) {
			r.Post("/files/send", s.peerHandlers.HandleReceiveTransfer)
		})
	})

	return r
}
