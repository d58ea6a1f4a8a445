// Package api implements the HTTP surface of spec.md §6.2: read-only stats
// and health endpoints derived from Store state, plus accept-and-acknowledge
// stubs for the non-core feedback/report/poll/messages endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/ashureev/randopair/internal/registry"
	"github.com/ashureev/randopair/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves the HTTP API. It holds no mutable state of its own beyond
// the process start time used for uptime reporting.
type Handler struct {
	repo      store.Repository
	reg       *registry.Registry
	startedAt time.Time
}

// New creates a Handler.
func New(repo store.Repository, reg *registry.Registry) *Handler {
	return &Handler{repo: repo, reg: reg, startedAt: time.Now()}
}

// Routes mounts the handler's endpoints onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/stats", h.stats)
	r.Get("/api/health", h.health)
	r.Get("/api/interests/suggestions", h.interestSuggestions)
	r.Get("/api/analytics", h.analytics)
	r.Post("/api/feedback", h.acknowledge)
	r.Post("/api/report", h.acknowledge)
	r.Post("/api/poll", h.acknowledge)
	r.Post("/api/messages", h.acknowledge)
}

type statsResponse struct {
	ActiveUsers  int       `json:"activeUsers"`
	ChatsToday   int       `json:"chatsToday"`
	Countries    int       `json:"countries"`
	TextUsers    int       `json:"textUsers"`
	VideoUsers   int       `json:"videoUsers"`
	AvgWaitTime  int       `json:"avgWaitTime"`
	ServerUptime int       `json:"serverUptime"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.repo.Stats(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	// Countries is not tracked (no geo-IP component in this spec); reported
	// as 1 (this deployment) rather than fabricating a breakdown.
	writeJSON(w, http.StatusOK, statsResponse{
		ActiveUsers:  snap.ActiveUsers,
		ChatsToday:   snap.ConnectedPairs + snap.SessionsEnded,
		Countries:    1,
		TextUsers:    snap.TextUsers,
		VideoUsers:   snap.VideoUsers,
		AvgWaitTime:  estimateAvgWait(snap),
		ServerUptime: int(time.Since(h.startedAt).Seconds()),
		LastUpdated:  time.Now(),
	})
}

func estimateAvgWait(snap store.Snapshot) int {
	waiting := snap.WaitingText + snap.WaitingVideo
	if waiting == 0 {
		return 0
	}
	return 15 + 5*waiting
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      int    `json:"uptime"`
	Connections int    `json:"connections"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Uptime:      int(time.Since(h.startedAt).Seconds()),
		Connections: h.reg.BoundCount(),
	})
}

type interestSuggestionsResponse struct {
	Trending []string `json:"trending"`
	Popular  []string `json:"popular"`
}

func (h *Handler) interestSuggestions(w http.ResponseWriter, r *http.Request) {
	snap, err := h.repo.Stats(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	tags := make([]store.InterestCount, len(snap.TopInterests))
	copy(tags, snap.TopInterests)
	sort.Slice(tags, func(i, j int) bool { return tags[i].Count > tags[j].Count })

	var popular, trending []string
	for i, t := range tags {
		if i < 10 {
			popular = append(popular, t.Tag)
		}
		if i >= 10 && i < 20 {
			trending = append(trending, t.Tag)
		}
	}
	writeJSON(w, http.StatusOK, interestSuggestionsResponse{Trending: trending, Popular: popular})
}

type analyticsResponse struct {
	TopInterests  []store.InterestCount `json:"topInterests"`
	MessagesTotal int                   `json:"messagesTotal"`
	SessionsEnded int                   `json:"sessionsEnded"`
	HourlyBuckets []int                 `json:"hourlyBuckets"`
}

func (h *Handler) analytics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.repo.Stats(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	top := snap.TopInterests
	if len(top) > 20 {
		top = top[:20]
	}

	// HourlyBuckets tracks only the current hour's activity — there is no
	// time-series store in this spec, so history outside the process
	// lifetime is unavailable.
	buckets := make([]int, 24)
	buckets[time.Now().Hour()] = snap.ConnectedPairs

	writeJSON(w, http.StatusOK, analyticsResponse{
		TopInterests:  top,
		MessagesTotal: snap.MessagesTotal,
		SessionsEnded: snap.SessionsEnded,
		HourlyBuckets: buckets,
	})
}

type acknowledgedResponse struct {
	Status string `json:"status"`
}

// acknowledge answers the accept-and-acknowledge stubs (spec.md §6.2):
// feedback, report, poll, and messages are not part of the core
// matchmaking semantics and are intentionally not persisted.
func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, acknowledgedResponse{Status: "received"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeStoreErr(w http.ResponseWriter, err error) {
	slog.Error("store read failed", "error", err)
	http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
}
