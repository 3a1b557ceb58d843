// Package httpapi serves the engine's control plane: read endpoints backed
// by the reconciled state store, and command intake for the human-in-the-loop
// order flow. It never talks to the broker directly.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"helmsman/internal/domain"
	"helmsman/internal/engine"
	"helmsman/internal/store"
)

// ReadWriter is the slice of the engine the control plane consumes.
type ReadWriter interface {
	Positions(ctx context.Context) ([]domain.Position, error)
	Orders(ctx context.Context, f store.OrderFilter) ([]domain.Order, error)
	Order(ctx context.Context, id string) (*domain.Order, error)
	Fills(ctx context.Context, orderID string) ([]domain.Fill, error)
	Protections(ctx context.Context) ([]domain.ProtectionLink, error)
	Command(ctx context.Context, id string) (*domain.Command, error)
	Commands(ctx context.Context, limit int) ([]domain.Command, error)
	SubmitCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error)
	Healthy() bool
	Degraded() bool
	StreamState() engine.ConnState
}

// Server is the control-plane HTTP server.
type Server struct {
	engine ReadWriter
	log    *slog.Logger
}

// NewServer creates a control-plane server over the given engine.
func NewServer(eng ReadWriter, log *slog.Logger) *Server {
	return &Server{engine: eng, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleOrder)
	mux.HandleFunc("GET /api/protections", s.handleProtections)
	mux.HandleFunc("GET /api/commands", s.handleCommands)
	mux.HandleFunc("GET /api/commands/{id}", s.handleCommand)
	mux.HandleFunc("POST /api/commands", s.handleSubmitCommand)
	mux.HandleFunc("POST /api/killswitch", s.handleKillSwitch)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Healthy:  s.engine.Healthy(),
		Degraded: s.engine.Degraded(),
		Stream:   string(s.engine.StreamState()),
	}
	if !resp.Healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context())
	if err != nil {
		s.internalError(w, "listing positions", err)
		return
	}
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	writeJSON(w, out)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OrderFilter{
		Status: domain.OrderStatus(q.Get("status")),
		Symbol: q.Get("symbol"),
		Open:   q.Get("open") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	orders, err := s.engine.Orders(r.Context(), f)
	if err != nil {
		s.internalError(w, "listing orders", err)
		return
	}
	out := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	writeJSON(w, out)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	order, err := s.engine.Order(r.Context(), id)
	if err != nil {
		s.internalError(w, "fetching order", err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	fills, err := s.engine.Fills(r.Context(), id)
	if err != nil {
		s.internalError(w, "fetching fills", err)
		return
	}

	resp := OrderDetailResponse{
		OrderResponse: toOrderResponse(order),
		Fills:         make([]FillResponse, 0, len(fills)),
	}
	for _, f := range fills {
		resp.Fills = append(resp.Fills, toFillResponse(f))
	}
	writeJSON(w, resp)
}

func (s *Server) handleProtections(w http.ResponseWriter, r *http.Request) {
	links, err := s.engine.Protections(r.Context())
	if err != nil {
		s.internalError(w, "listing protections", err)
		return
	}
	out := make([]ProtectionResponse, 0, len(links))
	for _, l := range links {
		out = append(out, toProtectionResponse(l))
	}
	writeJSON(w, out)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	commands, err := s.engine.Commands(r.Context(), limit)
	if err != nil {
		s.internalError(w, "listing commands", err)
		return
	}
	out := make([]CommandResponse, 0, len(commands))
	for i := range commands {
		out = append(out, toCommandResponse(&commands[i]))
	}
	writeJSON(w, out)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.engine.Command(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "fetching command", err)
		return
	}
	if cmd == nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, toCommandResponse(cmd))
}

// ---------------------------------------------------------------------------
// Command intake
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.submit(w, r, &domain.Command{
		ID:      req.ID,
		Kind:    domain.CommandKind(req.Kind),
		Payload: req.Payload,
	})
}

// handleKillSwitch is a dedicated intake for the kill switch so the confirm
// token never travels inside a generic command payload by accident.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = "kill-" + uuid.NewString()
	}
	payload, err := json.Marshal(engine.KillSwitchPayload{ConfirmToken: req.ConfirmToken})
	if err != nil {
		s.internalError(w, "encoding payload", err)
		return
	}
	s.submit(w, r, &domain.Command{
		ID:      req.ID,
		Kind:    domain.CommandKillSwitch,
		Payload: payload,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd *domain.Command) {
	stored, err := s.engine.SubmitCommand(r.Context(), cmd)
	if err != nil {
		switch domain.Kind(err) {
		case domain.KindConflict:
			writeError(w, http.StatusConflict, err.Error())
		case domain.KindRejected:
			writeError(w, http.StatusBadRequest, err.Error())
		case domain.KindFatal:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.internalError(w, "submitting command", err)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(toCommandResponse(stored))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
