// Package api exposes HTTP handlers for the adherence service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/adherence/internal/auth"
	"example.com/adherence/internal/domain"
	"example.com/adherence/internal/observability"
)

// Handler coordinates HTTP requests with the domain services.
type Handler struct {
	events    *domain.EventService
	schedules *domain.ScheduleService
	timeline  *domain.TimelineService
	adherence *domain.AdherenceService
}

// NewHandler builds a Handler.
func NewHandler(events *domain.EventService, schedules *domain.ScheduleService, timeline *domain.TimelineService, adherence *domain.AdherenceService) *Handler {
	return &Handler{events: events, schedules: schedules, timeline: timeline, adherence: adherence}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/participants/{userId}/events", h.listGlobalEvents)
	mux.HandleFunc("POST /v1/participants/{userId}/events", h.setGlobalEvent)
	mux.HandleFunc("DELETE /v1/participants/{userId}/events/{eventId}", h.deleteGlobalEvent)
	mux.HandleFunc("GET /v1/participants/{userId}/events/{eventId}/history", h.globalEventHistory)

	mux.HandleFunc("GET /v1/studies/{studyId}/participants/{userId}/events", h.listStudyEvents)
	mux.HandleFunc("POST /v1/studies/{studyId}/participants/{userId}/events", h.setStudyEvent)
	mux.HandleFunc("DELETE /v1/studies/{studyId}/participants/{userId}/events/{eventId}", h.deleteStudyEvent)
	mux.HandleFunc("GET /v1/studies/{studyId}/participants/{userId}/events/{eventId}/history", h.studyEventHistory)

	mux.HandleFunc("GET /v1/studies/{studyId}/schedule", h.getSchedule)
	mux.HandleFunc("POST /v1/studies/{studyId}/schedule", h.putSchedule)

	mux.HandleFunc("GET /v1/studies/{studyId}/participants/{userId}/timeline", h.getTimeline)

	mux.HandleFunc("POST /v1/studies/{studyId}/participants/{userId}/adherence", h.upsertAdherence)
	mux.HandleFunc("POST /v1/studies/{studyId}/participants/{userId}/adherence/search", h.searchAdherence)
	mux.HandleFunc("DELETE /v1/studies/{studyId}/participants/{userId}/adherence/{instanceGuid}", h.deleteAdherence)
	mux.HandleFunc("GET /v1/studies/{studyId}/participants/{userId}/adherence/eventstream", h.eventStream)

	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// SetEventRequest is the payload for event writes.
type SetEventRequest struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate ensures request correctness.
func (r SetEventRequest) Validate() error {
	if strings.TrimSpace(r.EventID) == "" {
		return errors.New("event_id is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// EventWriteResponse reports the policy decision for an event write.
type EventWriteResponse struct {
	EventID   string     `json:"event_id"`
	Accepted  bool       `json:"accepted"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// EventView is the current state of one event key.
type EventView struct {
	EventID     string     `json:"event_id"`
	Timestamp   *time.Time `json:"timestamp"`
	UpdateType  string     `json:"update_type"`
	RecordCount int        `json:"record_count"`
}

// EventHistoryView is one accepted write in an event's history.
type EventHistoryView struct {
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recorded_at"`
}

// UpsertAdherenceRequest is the payload for adherence submissions.
type UpsertAdherenceRequest struct {
	Records []domain.AdherenceRecord `json:"records"`
}

func (h *Handler) setGlobalEvent(w http.ResponseWriter, r *http.Request) {
	h.setEvent(w, r, domain.ScopeGlobal, "")
}

func (h *Handler) setStudyEvent(w http.ResponseWriter, r *http.Request) {
	h.setEvent(w, r, domain.ScopeStudy, r.PathValue("studyId"))
}

func (h *Handler) setEvent(w http.ResponseWriter, r *http.Request, scope domain.EventScope, studyID string) {
	claims, ok := requireScope(w, r, auth.ScopeEventsWrite)
	if !ok {
		return
	}

	var req SetEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	result, err := h.events.SetEvent(r.Context(), claims.AppID, scope, studyID, r.PathValue("userId"), req.EventID, req.Timestamp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	observability.RecordEventWrite(string(scope), result.Accepted)

	writeJSON(w, http.StatusOK, EventWriteResponse{
		EventID:   result.EventID,
		Accepted:  result.Accepted,
		Timestamp: result.Current,
	})
}

func (h *Handler) deleteGlobalEvent(w http.ResponseWriter, r *http.Request) {
	h.deleteEvent(w, r, domain.ScopeGlobal, "")
}

func (h *Handler) deleteStudyEvent(w http.ResponseWriter, r *http.Request) {
	h.deleteEvent(w, r, domain.ScopeStudy, r.PathValue("studyId"))
}

func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request, scope domain.EventScope, studyID string) {
	claims, ok := requireScope(w, r, auth.ScopeEventsWrite)
	if !ok {
		return
	}

	result, err := h.events.DeleteEvent(r.Context(), claims.AppID, scope, studyID, r.PathValue("userId"), r.PathValue("eventId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	observability.RecordEventWrite(string(scope), result.Accepted)

	writeJSON(w, http.StatusOK, EventWriteResponse{
		EventID:   result.EventID,
		Accepted:  result.Accepted,
		Timestamp: result.Current,
	})
}

func (h *Handler) listGlobalEvents(w http.ResponseWriter, r *http.Request) {
	h.listEvents(w, r, domain.ScopeGlobal, "")
}

func (h *Handler) listStudyEvents(w http.ResponseWriter, r *http.Request) {
	h.listEvents(w, r, domain.ScopeStudy, r.PathValue("studyId"))
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request, scope domain.EventScope, studyID string) {
	claims, ok := requireScope(w, r, auth.ScopeEventsRead, auth.ScopeEventsWrite)
	if !ok {
		return
	}

	events, err := h.events.GetEvents(r.Context(), claims.AppID, scope, studyID, r.PathValue("userId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]EventView, 0, len(events))
	for _, event := range events {
		items = append(items, EventView{
			EventID:     event.EventID,
			Timestamp:   event.Timestamp,
			UpdateType:  string(event.UpdateType),
			RecordCount: event.RecordCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) globalEventHistory(w http.ResponseWriter, r *http.Request) {
	h.eventHistory(w, r, domain.ScopeGlobal, "")
}

func (h *Handler) studyEventHistory(w http.ResponseWriter, r *http.Request) {
	h.eventHistory(w, r, domain.ScopeStudy, r.PathValue("studyId"))
}

func (h *Handler) eventHistory(w http.ResponseWriter, r *http.Request, scope domain.EventScope, studyID string) {
	claims, ok := requireScope(w, r, auth.ScopeEventsRead, auth.ScopeEventsWrite)
	if !ok {
		return
	}

	history, err := h.events.GetEventHistory(r.Context(), claims.AppID, scope, studyID, r.PathValue("userId"), r.PathValue("eventId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]EventHistoryView, 0, len(history))
	for _, entry := range history {
		items = append(items, EventHistoryView{Timestamp: entry.Timestamp, RecordedAt: entry.RecordedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSchedulesRead, auth.ScopeSchedulesWrite)
	if !ok {
		return
	}

	study, err := h.schedules.GetSchedule(r.Context(), claims.AppID, r.PathValue("studyId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, study)
}

func (h *Handler) putSchedule(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSchedulesWrite)
	if !ok {
		return
	}

	var study domain.StudySchedule
	if err := json.NewDecoder(r.Body).Decode(&study); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	if err := h.schedules.PutSchedule(r.Context(), claims.AppID, r.PathValue("studyId"), study); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, study)
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeAdherenceRead, auth.ScopeAdherenceWrite)
	if !ok {
		return
	}
	studyID := r.PathValue("studyId")
	userID := r.PathValue("userId")

	start := time.Now()
	timeline, err := h.timeline.GetTimeline(r.Context(), claims.AppID, studyID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	observability.ObserveTimelineBuild(time.Since(start))

	if err := h.timeline.MarkTimelineRetrieved(r.Context(), claims.AppID, studyID, userID, time.Now().UTC()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (h *Handler) upsertAdherence(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeAdherenceWrite)
	if !ok {
		return
	}

	var req UpsertAdherenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	records, err := h.adherence.UpsertRecords(r.Context(), claims.AppID, r.PathValue("studyId"), r.PathValue("userId"), req.Records)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, record := range records {
		observability.RecordUpsert(string(record.RecordType), time.Now().UTC())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (h *Handler) searchAdherence(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeAdherenceRead, auth.ScopeAdherenceWrite)
	if !ok {
		return
	}

	var search domain.AdherenceRecordsSearch
	if err := json.NewDecoder(r.Body).Decode(&search); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	page, err := h.adherence.SearchRecords(r.Context(), claims.AppID, r.PathValue("studyId"), r.PathValue("userId"), search)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) deleteAdherence(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeAdherenceWrite)
	if !ok {
		return
	}

	eventTimestamp, err := time.Parse(time.RFC3339, r.URL.Query().Get("event_timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "event_timestamp must be RFC3339")
		return
	}
	var startedOn *time.Time
	if raw := r.URL.Query().Get("started_on"); raw != "" {
		parsed, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "started_on must be RFC3339")
			return
		}
		startedOn = &parsed
	}

	err = h.adherence.DeleteRecord(r.Context(), claims.AppID, r.PathValue("studyId"), r.PathValue("userId"), r.PathValue("instanceGuid"), eventTimestamp, startedOn)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeAdherenceRead, auth.ScopeAdherenceWrite)
	if !ok {
		return
	}

	report, err := h.adherence.EventStreamReport(r.Context(), claims.AppID, r.PathValue("studyId"), r.PathValue("userId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// requireScope resolves claims and enforces that at least one scope matches.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "concurrent update, retry the request")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
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
