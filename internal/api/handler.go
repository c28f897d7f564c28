// Package api serves a read-only JSON view of realized flips, outstanding
// cost lots, open offers and the activity journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/recomma/flipledger/bazaar"
	rlog "github.com/recomma/flipledger/log"
	"github.com/recomma/flipledger/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// ProfitSource is the read side of the profit tracker.
type ProfitSource interface {
	GetFlips(ctx context.Context, ownerID string, year int) ([]bazaar.Flip, error)
	GetOutstandingOrders(ctx context.Context, ownerID string) ([]bazaar.CostLot, error)
}

// OfferSource exposes the live offers of an owner.
type OfferSource interface {
	Offers(ownerID string) []bazaar.Offer
}

// ActivitySource reads the activity journal.
type ActivitySource interface {
	ListActivity(ctx context.Context, ownerID string, since time.Time, limit int) ([]storage.ActivityEntry, error)
}

type Handler struct {
	profits  ProfitSource
	offers   OfferSource
	activity ActivitySource
	status   *SystemStatusTracker
	origins  []string
	logger   *slog.Logger
	now      func() time.Time
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithOffers(src OfferSource) HandlerOption {
	return func(h *Handler) { h.offers = src }
}

func WithActivity(src ActivitySource) HandlerOption {
	return func(h *Handler) { h.activity = src }
}

func WithSystemStatus(s *SystemStatusTracker) HandlerOption {
	return func(h *Handler) { h.status = s }
}

// WithAllowedOrigins sets the CORS origins; empty allows any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.origins = origins }
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHandler(profits ProfitSource, opts ...HandlerOption) *Handler {
	h := &Handler{
		profits: profits,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithGroup("api")
	return h
}

// Routes returns the API mux wrapped with CORS and request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/flips", h.listFlips)
	mux.HandleFunc("GET /api/lots", h.listLots)
	mux.HandleFunc("GET /api/offers", h.listOffers)
	mux.HandleFunc("GET /api/activity", h.listActivity)
	mux.HandleFunc("GET /api/status", h.systemStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return corsMiddleware.Handler(RequestLogger(h.logger, mux))
}

type flipsResponse struct {
	OwnerID     string        `json:"owner_id"`
	Year        int           `json:"year"`
	Flips       []bazaar.Flip `json:"flips"`
	TotalProfit string        `json:"total_profit"`
}

func (h *Handler) listFlips(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	year := h.now().Year()
	if raw := r.URL.Query().Get("year"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "year must be a positive integer")
			return
		}
		year = parsed
	}

	flips, err := h.profits.GetFlips(r.Context(), owner, year)
	if err != nil {
		h.internalError(w, r, "list flips", err)
		return
	}
	if flips == nil {
		flips = []bazaar.Flip{}
	}
	var total bazaar.Tenths
	for _, f := range flips {
		total += f.Profit
	}
	writeJSON(w, http.StatusOK, flipsResponse{OwnerID: owner, Year: year, Flips: flips, TotalProfit: total.String()})
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	lots, err := h.profits.GetOutstandingOrders(r.Context(), owner)
	if err != nil {
		h.internalError(w, r, "list lots", err)
		return
	}
	if lots == nil {
		lots = []bazaar.CostLot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "lots": lots})
}

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if h.offers == nil {
		writeError(w, http.StatusNotImplemented, "offers are not available")
		return
	}
	offers := h.offers.Offers(owner)
	if offers == nil {
		offers = []bazaar.Offer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "offers": offers})
}

func (h *Handler) listActivity(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if h.activity == nil {
		writeError(w, http.StatusNotImplemented, "activity journal is not enabled")
		return
	}

	q := r.URL.Query()
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxPageSize)
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	entries, err := h.activity.ListActivity(r.Context(), owner, since, limit)
	if err != nil {
		h.internalError(w, r, "list activity", err)
		return
	}
	if entries == nil {
		entries = []storage.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "entries": entries})
}

func (h *Handler) systemStatus(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusNotImplemented, "status tracking is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	rlog.LoggerFromContext(r.Context()).Error(what, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, bazaar.ErrMissingOwner.Error())
		return "", false
	}
	return owner, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
