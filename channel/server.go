package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/events"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
	"github.com/agent-foundry/foundry-core/platform/session"
)

// Runner drives one request through the compiled pipeline.
type Runner interface {
	Run(ctx context.Context, req *envelope.Request, initial state.State) (state.State, error)
}

// Server is the transport surface: chat, voice, and API endpoints plus
// health and metrics.
type Server struct {
	runner   Runner
	identity envelope.Identity
	bus      *events.Bus
	voice    *VoiceAdapter
	versions session.VersionStore
	logger   logging.Logger
	router   chi.Router
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithVoice enables the voice endpoint.
func WithVoice(v *VoiceAdapter) ServerOption {
	return func(s *Server) { s.voice = v }
}

// WithEventBus enables the streaming chat variant.
func WithEventBus(b *events.Bus) ServerOption {
	return func(s *Server) { s.bus = b }
}

// NewServer assembles the router.
func NewServer(runner Runner, identity envelope.Identity, logger logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		runner:   runner,
		identity: identity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.chat)
		r.Post("/chat/stream", s.chatStream)
		r.Post("/api", s.api)
		if s.voice != nil {
			r.Post("/voice", s.voiceCall)
		}
		if s.versions != nil {
			s.mountVersions(r)
		}
	})
	s.router = r
	return s
}

// Handler returns the assembled http handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// metrics records per-route request counts and latency.
func (s *Server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		observability.RecordHTTPRequest(r.URL.Path, strconv.Itoa(ww.Status()), int(time.Since(start).Milliseconds()))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestBody is the shared inbound shape across the chat and API
// endpoints.
type requestBody struct {
	Tenant     string         `json:"tenant,omitempty"`
	Actor      string         `json:"actor"`
	SessionID  string         `json:"session_id,omitempty"`
	InputText  string         `json:"input_text,omitempty"`
	InputJSON  map[string]any `json:"input_json,omitempty"`
	AudioRef   string         `json:"audio_handle,omitempty"`
	DeadlineMS int64          `json:"deadline_ms,omitempty"`
}

// parse decodes the body and builds the envelope. A tenant in the body
// must match the instance tenant; cross-tenant requests are rejected
// before any state is touched.
func (s *Server) parse(r *http.Request, channel envelope.Channel) (*envelope.Request, *requestBody, error) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, nil, fault.Wrap(fault.KindArgumentValidation, err, "decoding request body")
	}
	if body.Actor == "" {
		return nil, nil, fault.New(fault.KindArgumentValidation, "actor is required")
	}
	if body.Tenant != "" && body.Tenant != s.identity.Tenant {
		return nil, nil, fault.New(fault.KindUnauthorized, "operation not permitted")
	}

	var input []envelope.InputPart
	if body.InputText != "" {
		input = append(input, envelope.InputPart{Kind: envelope.PartText, Text: body.InputText})
	}
	if body.InputJSON != nil {
		input = append(input, envelope.InputPart{Kind: envelope.PartStructured, Payload: body.InputJSON})
	}

	req := envelope.New(s.identity, body.Actor, channel, input)
	req.SessionID = body.SessionID
	if body.DeadlineMS > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMS) * time.Millisecond)
	}
	return req, &body, nil
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.parse(r, envelope.ChannelChat)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	final, err := s.runner.Run(r.Context(), req, state.New())
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, RenderChat(req.RequestID, final))
}

// chatStream emits SSE events in executor-completion order for one
// request, then the rendered final response.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "streaming not enabled", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	req, _, err := s.parse(r, envelope.ChannelChat)
	if err != nil {
		s.writeError(w, "", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Events are delivered synchronously by the bus; the channel keeps
	// the executor from blocking on a slow client.
	evCh := make(chan events.Event, 64)
	cancel := s.bus.Subscribe(req.RequestID, func(ev events.Event) {
		select {
		case evCh <- ev:
		default:
		}
	})
	defer cancel()

	done := make(chan struct{})
	var final state.State
	var runErr error
	go func() {
		defer close(done)
		final, runErr = s.runner.Run(r.Context(), req, state.New())
	}()

	for {
		select {
		case ev := <-evCh:
			writeSSE(w, flusher, string(ev.Kind), ev)
		case <-done:
			for {
				select {
				case ev := <-evCh:
					writeSSE(w, flusher, string(ev.Kind), ev)
					continue
				default:
				}
				break
			}
			if runErr != nil {
				writeSSE(w, flusher, "final", degraded(req.RequestID, runErr))
			} else {
				writeSSE(w, flusher, "final", RenderChat(req.RequestID, final))
			}
			return
		case <-r.Context().Done():
			<-done
			return
		}
	}
}

func (s *Server) api(w http.ResponseWriter, r *http.Request) {
	req, _, err := s.parse(r, envelope.ChannelAPI)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	final, err := s.runner.Run(r.Context(), req, state.New())
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, RenderAPI(req.RequestID, final))
}

func (s *Server) voiceCall(w http.ResponseWriter, r *http.Request) {
	req, body, err := s.parse(r, envelope.ChannelVoice)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	if body.AudioRef == "" {
		s.writeError(w, req.RequestID, fault.New(fault.KindArgumentValidation, "audio_handle is required"))
		return
	}
	ctx := r.Context()
	input, err := s.voice.Transcribe(ctx, req, body.AudioRef)
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}
	req.Input = input

	final, err := s.runner.Run(ctx, req, state.New())
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}
	resp, err := s.voice.Synthesize(ctx, req, final)
	if err != nil {
		s.writeError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// degraded renders a failed request in the channel-neutral error shape.
// Unauthorized always renders with an opaque message.
func degraded(requestID string, err error) *envelope.Response {
	kind := fault.KindOf(err)
	msg := err.Error()
	if kind == fault.KindUnauthorized {
		msg = "operation not permitted"
	}
	if requestID == "" {
		requestID = fault.RequestIDOf(err)
	}
	return envelope.Degraded(requestID, string(kind), msg)
}

// statusOf maps fault kinds to HTTP status codes.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.KindArgumentValidation, fault.KindUnknownTool:
		return http.StatusBadRequest
	case fault.KindUnauthorized:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindDeadlineExceeded, fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	resp := degraded(requestID, err)
	s.logger.Warn("request_degraded",
		"request_id", resp.RequestID, "error_kind", resp.ErrorKind, "error", err.Error())
	writeJSON(w, statusOf(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
