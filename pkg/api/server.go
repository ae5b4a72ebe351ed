package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/Mindburn-Labs/signet/pkg/contracts"
	"github.com/Mindburn-Labs/signet/pkg/keystore"
	"github.com/Mindburn-Labs/signet/pkg/prompt"
	"github.com/Mindburn-Labs/signet/pkg/window"
)

const maxBodyBytes = 1 << 20

// Handler runs one authorization cycle.
type Handler interface {
	Handle(ctx context.Context, req contracts.Request) contracts.Response
}

// Prompts is the response channel of the confirmation surface controller.
type Prompts interface {
	Respond(ctx context.Context, resp contracts.PromptResponse) error
	Lookup(token string) (contracts.Prompt, error)
	SurfaceClosed(h window.Handle) bool
	CompleteKeySetup(ctx context.Context, token, key string) (string, error)
	Pending() bool
}

// Surfaces reports surface state to surface pages polling for closure.
type Surfaces interface {
	Lookup(h window.Handle) (window.Surface, bool)
}

// Policies is the policy management surface.
type Policies interface {
	List(ctx context.Context) ([]contracts.PolicyEntry, error)
	RemovePermissions(ctx context.Context, origin string, outcome contracts.Outcome, opType string) error
}

// Options configures a Server.
type Options struct {
	Handler     Handler
	Prompts     Prompts
	Surfaces    Surfaces
	Policies    Policies
	Limiter     *RateLimiter
	CORSOrigins []string
	Logger      *slog.Logger

	// ManagementToken is the bearer token policy management requires. Empty
	// disables the management endpoints.
	ManagementToken string
}

// Server serves the gateway's HTTP API.
type Server struct {
	opts      Options
	validator *Validator
	logger    *slog.Logger
}

// NewServer creates a server.
func NewServer(opts Options) (*Server, error) {
	if opts.Handler == nil || opts.Prompts == nil {
		return nil, errors.New("api: handler and prompts are required")
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{opts: opts, validator: v, logger: logger}, nil
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	r.Handle("/v1/rpc", c.Handler(http.HandlerFunc(s.handleRPC))).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/v1/prompt/respond", s.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/v1/prompts/{token}", s.handlePrompt).Methods(http.MethodGet)
	r.HandleFunc("/v1/surfaces/{handle}/closed", s.handleSurfaceClosed).Methods(http.MethodPost)
	r.HandleFunc("/v1/surfaces/{handle}", s.handleSurface).Methods(http.MethodGet)
	r.HandleFunc("/v1/key", s.handleKey).Methods(http.MethodPost)
	auth := managementAuth(s.opts.ManagementToken)
	r.Handle("/v1/policies", auth(http.HandlerFunc(s.handleListPolicies))).Methods(http.MethodGet)
	r.Handle("/v1/policies", auth(http.HandlerFunc(s.handleRemovePolicy))).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	return s.opts.Limiter.Middleware(r)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, kind contracts.MessageKind) (contracts.Message, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		WriteBadRequest(w, r, "unreadable body")
		return contracts.Message{}, false
	}
	if len(raw) > maxBodyBytes {
		WriteError(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "body exceeds 1 MiB")
		return contracts.Message{}, false
	}
	msg, err := s.validator.Decode(kind, raw)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return contracts.Message{}, false
	}
	return msg, true
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decode(w, r, contracts.KindRPC)
	if !ok {
		return
	}
	req := contracts.Request{
		Type:   msg.RPC.Type,
		Params: msg.RPC.Params,
		Origin: OriginOf(r),
	}
	resp := s.opts.Handler.Handle(r.Context(), req)
	writeJSON(w, http.StatusOK, contracts.RPCReply{ID: msg.RPC.ID, Response: resp})
}

// promptView is what a confirmation surface renders.
type promptView struct {
	contracts.Prompt
	Description string `json:"description"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Prompts.Lookup(mux.Vars(r)["token"])
	if err != nil {
		s.writePromptError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promptView{Prompt: p, Description: contracts.DescribeOperation(p.Type)})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decode(w, r, contracts.KindPromptAnswer)
	if !ok {
		return
	}
	if err := s.opts.Prompts.Respond(r.Context(), *msg.Answer); err != nil {
		s.writePromptError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePromptError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, prompt.ErrInvalidToken):
		WriteUnauthorized(w, r, "invalid surface token")
	case errors.Is(err, prompt.ErrStaleToken), errors.Is(err, prompt.ErrNothingActive):
		WriteConflict(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

func (s *Server) handleSurfaceClosed(w http.ResponseWriter, r *http.Request) {
	h := window.Handle(mux.Vars(r)["handle"])
	known := s.opts.Prompts.SurfaceClosed(h)
	s.logger.Debug("surface closed", "handle", h, "known", known)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSurface(w http.ResponseWriter, r *http.Request) {
	if s.opts.Surfaces == nil {
		WriteNotFound(w, r, "surface tracking unavailable")
		return
	}
	sf, ok := s.opts.Surfaces.Lookup(window.Handle(mux.Vars(r)["handle"]))
	if !ok {
		WriteNotFound(w, r, "unknown surface")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handle": sf.Handle, "open": sf.Open})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decode(w, r, contracts.KindKeySetup)
	if !ok {
		return
	}
	pubkey, err := s.opts.Prompts.CompleteKeySetup(r.Context(), msg.KeySetup.Token, msg.KeySetup.Key)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"pubkey": pubkey})
	case errors.Is(err, keystore.ErrInvalidKey):
		WriteBadRequest(w, r, "invalid secret key")
	default:
		s.writePromptError(w, r, err)
	}
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if s.opts.Policies == nil {
		WriteNotFound(w, r, "policy management unavailable")
		return
	}
	entries, err := s.opts.Policies.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if entries == nil {
		entries = []contracts.PolicyEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	if s.opts.Policies == nil {
		WriteNotFound(w, r, "policy management unavailable")
		return
	}
	q := r.URL.Query()
	host, opType := q.Get("host"), q.Get("type")
	outcome, ok := contracts.ParseOutcome(q.Get("accept"))
	if host == "" || opType == "" || !ok {
		WriteBadRequest(w, r, "host, type and accept (true|false) are required")
		return
	}
	if err := s.opts.Policies.RemovePermissions(r.Context(), host, outcome, opType); err != nil {
		WriteInternal(w, r, fmt.Errorf("remove policy: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": s.opts.Prompts.Pending()})
}
