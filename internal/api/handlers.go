// Package api exposes HTTP handlers for the health sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/domain"
)

// SchedulerHeader marks a request as originating from the scheduler; combined
// with an absent user id it selects batch mode on the sync trigger.
const SchedulerHeader = "X-Scheduler-Run"

// OAuthProvider is the slice of the provider client the handlers need for
// the connect flow.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// OAuthStateStore issues and redeems single-use state tokens.
type OAuthStateStore interface {
	Issue(ctx context.Context, userID string) (string, error)
	Redeem(ctx context.Context, state string) (string, error)
}

// Handler coordinates HTTP requests with the sync engine.
type Handler struct {
	orchestrator *domain.Orchestrator
	stats        *domain.StatsService
	store        domain.SyncStore
	connections  domain.ConnectionStore
	provider     OAuthProvider
	states       OAuthStateStore
	logger       *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(orchestrator *domain.Orchestrator, stats *domain.StatsService, store domain.SyncStore, connections domain.ConnectionStore, provider OAuthProvider, states OAuthStateStore) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		stats:        stats,
		store:        store,
		connections:  connections,
		provider:     provider,
		states:       states,
		logger:       log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.triggerSync)
	mux.HandleFunc("/v1/metrics/daily", h.listDailyMetrics)
	mux.HandleFunc("/v1/connections/google-fit/status", h.connectionStatus)
	mux.HandleFunc("/v1/connections/google-fit/authorize", h.authorize)
	mux.HandleFunc("/v1/connections/google-fit/callback", h.callback)
	mux.HandleFunc("/v1/logins", h.trackLogin)
	mux.HandleFunc("/v1/stats/traction", h.traction)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncTrigger) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:trigger required")
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	schedulerRun := strings.EqualFold(r.Header.Get(SchedulerHeader), "true")

	if userID == "" && schedulerRun {
		// A cross-user batch run is an operator action, not a user one.
		if !claims.HasScope(auth.ScopeAdminStats) {
			writeError(w, http.StatusForbidden, "forbidden", "scope admin:stats required for batch runs")
			return
		}
		result := h.orchestrator.RunBatch(r.Context())
		writeJSON(w, http.StatusOK, result)
		return
	}

	if userID == "" {
		// A manual trigger without an explicit target syncs the caller.
		userID = claims.Subject
	}

	result, err := h.orchestrator.RunSingle(r.Context(), userID)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncView(result))
}

func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingUserID):
		writeError(w, http.StatusBadRequest, "missing_user_id", err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, domain.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	case errors.Is(err, domain.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	default:
		var providerErr *domain.ProviderError
		if errors.As(err, &providerErr) {
			writeError(w, http.StatusBadGateway, "provider_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func (h *Handler) listDailyMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeMetricsRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope metrics:read required")
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = claims.Subject
	}

	from, err := parseDateParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid from date")
		return
	}
	to, err := parseDateParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid to date")
		return
	}

	metrics, err := h.store.ListDailyMetrics(r.Context(), userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, DailyMetricsResponse{Items: toMetricViews(metrics)})
}

func (h *Handler) connectionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	conn, err := h.connections.GetConnection(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := ConnectionStatusResponse{Connected: conn.SyncTarget()}
	if conn != nil {
		resp.NeedsReauth = conn.NeedsReauth
	}

	cp, err := h.store.GetCheckpoint(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	resp.BackfillPhase = string(cp.Phase())
	if cp != nil && !cp.OldestFetchedDate.IsZero() {
		oldest := cp.OldestFetchedDate.Format(domain.DateLayout)
		resp.OldestFetchedDate = &oldest
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	state, err := h.states.Issue(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// callback completes the OAuth exchange. It is unauthenticated (the provider
// redirects the browser here); the state token ties it back to the user.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "invalid_callback", "missing code or state")
		return
	}

	userID, err := h.states.Redeem(r.Context(), state)
	if err != nil {
		if errors.Is(err, ErrUnknownState) {
			writeError(w, http.StatusBadRequest, "invalid_callback", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	token, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusBadGateway, "exchange_failed", err.Error())
		return
	}

	conn := domain.Connection{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       scopesFromToken(token),
		Timezone:     r.URL.Query().Get("tz"),
	}
	if err := h.connections.UpsertConnection(r.Context(), conn); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	// Kick the first backfill window so the user sees data right away.
	// Failure is non-fatal; the scheduled batch run picks the user up later.
	if _, err := h.orchestrator.RunSingle(r.Context(), userID); err != nil {
		h.logger.Printf("initial sync after connect failed (user=%s): %v", userID, err)
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) trackLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	if err := h.stats.TrackLogin(r.Context(), claims.Subject, claims.Email); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) traction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeAdminStats) {
		writeError(w, http.StatusForbidden, "forbidden", "scope admin:stats required")
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			days = parsed
		}
	}

	stats, err := h.stats.Traction(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseDateParam(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(domain.DateLayout, raw)
}

func scopesFromToken(token *oauth2.Token) []string {
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	return nil
}

// SyncResultView is the response body for a single-user sync trigger.
type SyncResultView struct {
	Status         string           `json:"status"`
	Message        string           `json:"message,omitempty"`
	ImportedDays   int              `json:"imported_days"`
	WindowStart    string           `json:"window_start,omitempty"`
	WindowEnd      string           `json:"window_end,omitempty"`
	ReauthRequired bool             `json:"reauth_required,omitempty"`
	Snapshot       []DailyMetricRow `json:"snapshot,omitempty"`
}

// DailyMetricRow exposes one daily metric record.
type DailyMetricRow struct {
	Date  string `json:"date"`
	Value int64  `json:"value"`
}

// DailyMetricsResponse packages metric range reads.
type DailyMetricsResponse struct {
	Items []DailyMetricRow `json:"items"`
}

// ConnectionStatusResponse reports connection and backfill state.
type ConnectionStatusResponse struct {
	Connected         bool    `json:"connected"`
	NeedsReauth       bool    `json:"needs_reauth"`
	BackfillPhase     string  `json:"backfill_phase"`
	OldestFetchedDate *string `json:"oldest_fetched_date,omitempty"`
}

func toSyncView(result *domain.SyncResult) SyncResultView {
	view := SyncResultView{
		Status:         string(result.Status),
		Message:        result.Message,
		ImportedDays:   result.ImportedDays,
		ReauthRequired: result.ReauthRequired,
		Snapshot:       toMetricViews(result.Snapshot),
	}
	if !result.WindowStart.IsZero() {
		view.WindowStart = result.WindowStart.Format(domain.DateLayout)
	}
	if !result.WindowEnd.IsZero() {
		view.WindowEnd = result.WindowEnd.Format(domain.DateLayout)
	}
	return view
}

func toMetricViews(metrics []domain.DailyMetric) []DailyMetricRow {
	if metrics == nil {
		return nil
	}
	rows := make([]DailyMetricRow, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, DailyMetricRow{
			Date:  m.Date.Format(domain.DateLayout),
			Value: m.Value,
		})
	}
	return rows
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
