// Package boundary implements the HTTP/SSE boundary adapter: it
// translates between the wire protocol and the internal registry/graph
// API, never leaking internal state shapes verbatim.
package boundary

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/sosodennis/valuation-graph/checkpoint"
	"github.com/sosodennis/valuation-graph/graph"
	"github.com/sosodennis/valuation-graph/registry"
)

// InputMapper builds the graph.State a new or resumed run starts from out
// of a request's raw message/resume_payload map. The boundary never
// assumes a fixed channel shape: the caller registers this mapper for its
// own graph.Schema.
type InputMapper func(message map[string]any) (graph.State, error)

// Options configures a Server beyond its required Registry/Saver/mapper.
type Options struct {
	ProtocolVersion string
	CORSOrigins     []string
}

// Server wires the registry and checkpoint store to an HTTP mux.
type Server struct {
	router *chi.Mux

	reg   *registry.Registry
	saver checkpoint.Saver
	input InputMapper

	protocolVersion string
}

// NewServer constructs a Server. input maps an inbound message into the
// graph.State a run starts from; it is the one piece of domain-specific
// wiring the boundary package itself cannot supply generically.
func NewServer(reg *registry.Registry, saver checkpoint.Saver, input InputMapper, opts Options) *Server {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = "v1"
	}

	s := &Server{
		reg:             reg,
		saver:           saver,
		input:           input,
		protocolVersion: opts.ProtocolVersion,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	corsMW := cors.New(cors.Options{
		AllowedOrigins:   corsOriginsOrWildcard(opts.CORSOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Last-Event-ID", "X-Protocol-Version"},
		AllowCredentials: false,
	})
	r.Use(corsMW.Handler)

	r.Post("/stream", s.handleStream)
	r.Post("/threads/{id}/cancel", s.handleCancel)
	r.Get("/threads/{id}", s.handleGetThread)
	r.Get("/threads/{id}/history", s.handleHistory)

	s.router = r
	return s
}

func corsOriginsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// checkProtocolVersion rejects a request that names a protocol_version
// other than the server's. A request naming no version at
// all is accepted (the common case: a brand-new client attaching for the
// first time, or a backend integration that doesn't negotiate versions).
func (s *Server) checkProtocolVersion(r *http.Request) bool {
	v := r.Header.Get("X-Protocol-Version")
	return v == "" || v == s.protocolVersion
}

