package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-wf-approvals/internal/errors"
	"github.com/pesio-ai/be-wf-approvals/internal/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

// UserIDHeader carries the caller identity set by the upstream gateway.
const UserIDHeader = "X-User-ID"

// Approvals is the request workflow consumed by the transports.
type Approvals interface {
	CreateRequest(ctx context.Context, in service.CreateRequestInput) (*service.ActionResult, error)
	PerformAction(ctx context.Context, in service.ActionInput) (*service.ActionResult, error)
	PerformBulkAction(ctx context.Context, in service.BulkActionInput) (*service.BulkResult, error)
	Resubmit(ctx context.Context, in service.ResubmitInput) (*service.ActionResult, error)
	DeleteRequest(ctx context.Context, requestID, actorID int64, ipAddress string) error
	AvailableActions(ctx context.Context, requestID, actorID int64) ([]service.AvailableAction, error)
	PreviewNextApprovers(ctx context.Context, requestID, targetStatusID int64) ([]repository.UserRef, error)
	History(ctx context.Context, requestID int64) ([]*repository.HistoryEntry, error)
}

// RuleAdmin is the workflow configuration surface.
type RuleAdmin interface {
	ListRules(ctx context.Context, categoryID int64) ([]*repository.TransitionRule, error)
	CreateRule(ctx context.Context, actorID int64, rule *repository.TransitionRule) error
	UpdateRule(ctx context.Context, actorID int64, rule *repository.TransitionRule) error
	DeleteRule(ctx context.Context, actorID, id int64) error
	SetSpecialApprovers(ctx context.Context, actorID int64, m *repository.SpecialApproverMapping) error
	UpsertDocumentNumberConfig(ctx context.Context, actorID int64, cfg *repository.DocumentNumberConfig) error
}

// HTTPHandler serves the REST API.
type HTTPHandler struct {
	approvals Approvals
	rules     RuleAdmin
	ws        http.HandlerFunc
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. ws serves the live-update
// websocket and may be nil.
func NewHTTPHandler(approvals Approvals, rules RuleAdmin, ws http.HandlerFunc, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		rules:     rules,
		ws:        ws,
		log:       log.Component("http"),
	}
}

// Routes builds the router. timeout bounds every API request; the websocket
// is exempt.
func (h *HTTPHandler) Routes(timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(h.requestID)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if h.ws != nil {
		r.Get("/ws", h.ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if timeout > 0 {
			r.Use(middleware.Timeout(timeout))
		}
		r.Use(requireUser)

		r.Post("/requests", h.CreateRequest)
		r.Post("/requests/actions/bulk", h.PerformBulkAction)
		r.Route("/requests/{requestID}", func(r chi.Router) {
			r.Delete("/", h.DeleteRequest)
			r.Get("/actions", h.AvailableActions)
			r.Post("/actions", h.PerformAction)
			r.Post("/resubmit", h.Resubmit)
			r.Get("/history", h.History)
			r.Get("/next-approvers", h.PreviewNextApprovers)
		})

		r.Get("/categories/{categoryID}/rules", h.ListRules)
		r.Post("/rules", h.CreateRule)
		r.Put("/rules/{ruleID}", h.UpdateRule)
		r.Delete("/rules/{ruleID}", h.DeleteRule)
		r.Put("/special-approvers", h.SetSpecialApprovers)
		r.Put("/document-numbers", h.UpsertDocumentNumberConfig)
	})
	return r
}

// ── Requests ──────────────────────────────────────────────────────────────────

type createRequestBody struct {
	CategoryID        int64   `json:"categoryId"`
	CorrectionTypeIDs []int64 `json:"correctionTypeIds"`
	DepartmentID      *int64  `json:"departmentId"`
	RequestDate       string  `json:"requestDate"` // YYYY-MM-DD, defaults to today
	Comment           *string `json:"comment"`
}

// CreateRequest handles POST /api/v1/requests.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !decode(w, r, &body) {
		return
	}
	in := service.CreateRequestInput{
		CategoryID:        body.CategoryID,
		CorrectionTypeIDs: body.CorrectionTypeIDs,
		RequesterID:       actorFrom(r),
		DepartmentID:      body.DepartmentID,
		Comment:           body.Comment,
		IPAddress:         clientIP(r),
	}
	if body.RequestDate != "" {
		date, err := time.Parse(time.DateOnly, body.RequestDate)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("requestDate", "expected YYYY-MM-DD"))
			return
		}
		in.RequestDate = date
	}

	res, err := h.approvals.CreateRequest(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type actionBody struct {
	Action                   string  `json:"action"`
	Comment                  *string `json:"comment"`
	RequiresOperationalClose bool    `json:"requiresOperationalClose"`
	HasObstacles             bool    `json:"hasObstacles"`
}

// PerformAction handles POST /api/v1/requests/{requestID}/actions.
func (h *HTTPHandler) PerformAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var body actionBody
	if !decode(w, r, &body) {
		return
	}

	res, err := h.approvals.PerformAction(r.Context(), service.ActionInput{
		RequestID:                id,
		ActorID:                  actorFrom(r),
		Action:                   body.Action,
		Comment:                  body.Comment,
		RequiresOperationalClose: body.RequiresOperationalClose,
		HasObstacles:             body.HasObstacles,
		IPAddress:                clientIP(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type bulkBody struct {
	RequestIDs []int64 `json:"requestIds"`
	actionBody
}

// PerformBulkAction handles POST /api/v1/requests/actions/bulk. Per-request
// failures are part of a 200 response.
func (h *HTTPHandler) PerformBulkAction(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if !decode(w, r, &body) {
		return
	}

	res, err := h.approvals.PerformBulkAction(r.Context(), service.BulkActionInput{
		RequestIDs:               body.RequestIDs,
		ActorID:                  actorFrom(r),
		Action:                   body.Action,
		Comment:                  body.Comment,
		RequiresOperationalClose: body.RequiresOperationalClose,
		HasObstacles:             body.HasObstacles,
		IPAddress:                clientIP(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resubmit handles POST /api/v1/requests/{requestID}/resubmit.
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var body struct {
		Comment *string `json:"comment"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}

	res, err := h.approvals.Resubmit(r.Context(), service.ResubmitInput{
		RequestID: id,
		ActorID:   actorFrom(r),
		Comment:   body.Comment,
		IPAddress: clientIP(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteRequest handles DELETE /api/v1/requests/{requestID}.
func (h *HTTPHandler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	if err := h.approvals.DeleteRequest(r.Context(), id, actorFrom(r), clientIP(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AvailableActions handles GET /api/v1/requests/{requestID}/actions.
func (h *HTTPHandler) AvailableActions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	actions, err := h.approvals.AvailableActions(r.Context(), id, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// History handles GET /api/v1/requests/{requestID}/history.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	entries, err := h.approvals.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

// PreviewNextApprovers handles GET /api/v1/requests/{requestID}/next-approvers.
// Without status_id the current status is previewed.
func (h *HTTPHandler) PreviewNextApprovers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var statusID int64
	if raw := r.URL.Query().Get("status_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			h.writeError(w, r, errors.InvalidInput("status_id", "must be a positive integer"))
			return
		}
		statusID = v
	}
	users, err := h.approvals.PreviewNextApprovers(r.Context(), id, statusID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvers": users})
}

// ── Rule administration ───────────────────────────────────────────────────────

// ListRules handles GET /api/v1/categories/{categoryID}/rules.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "categoryID")
	if !ok {
		return
	}
	rules, err := h.rules.ListRules(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleView(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// CreateRule handles POST /api/v1/rules.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var body ruleView
	if !decode(w, r, &body) {
		return
	}
	rule := body.toRule()
	if err := h.rules.CreateRule(r.Context(), actorFrom(r), rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleView(rule))
}

// UpdateRule handles PUT /api/v1/rules/{ruleID}.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "ruleID")
	if !ok {
		return
	}
	var body ruleView
	if !decode(w, r, &body) {
		return
	}
	rule := body.toRule()
	rule.ID = id
	if err := h.rules.UpdateRule(r.Context(), actorFrom(r), rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleView(rule))
}

// DeleteRule handles DELETE /api/v1/rules/{ruleID}.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "ruleID")
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(r.Context(), actorFrom(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetSpecialApprovers handles PUT /api/v1/special-approvers.
func (h *HTTPHandler) SetSpecialApprovers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CategoryID       int64   `json:"categoryId"`
		CorrectionTypeID *int64  `json:"correctionTypeId"`
		StepSequence     int     `json:"stepSequence"`
		UserIDs          []int64 `json:"userIds"`
	}
	if !decode(w, r, &body) {
		return
	}
	err := h.rules.SetSpecialApprovers(r.Context(), actorFrom(r), &repository.SpecialApproverMapping{
		CategoryID:       body.CategoryID,
		CorrectionTypeID: body.CorrectionTypeID,
		StepSequence:     body.StepSequence,
		UserIDs:          body.UserIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertDocumentNumberConfig handles PUT /api/v1/document-numbers.
func (h *HTTPHandler) UpsertDocumentNumberConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CategoryID        int64  `json:"categoryId"`
		FiscalYear        int    `json:"fiscalYear"`
		Prefix            string `json:"prefix"`
		LastRunningNumber int    `json:"lastRunningNumber"`
	}
	if !decode(w, r, &body) {
		return
	}
	cfg := &repository.DocumentNumberConfig{
		CategoryID:        body.CategoryID,
		FiscalYear:        body.FiscalYear,
		Prefix:            body.Prefix,
		LastRunningNumber: body.LastRunningNumber,
	}
	if err := h.rules.UpsertDocumentNumberConfig(r.Context(), actorFrom(r), cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ── Views ─────────────────────────────────────────────────────────────────────

type historyView struct {
	ID           int64                 `json:"id"`
	ActorID      int64                 `json:"actorId"`
	StepSequence int                   `json:"stepSequence"`
	Cycle        int                   `json:"cycle"`
	Action       string                `json:"action"`
	ActionType   repository.ActionType `json:"actionType"`
	FromStatusID int64                 `json:"fromStatusId"`
	ToStatusID   *int64                `json:"toStatusId"`
	Comment      *string               `json:"comment,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
}

func toHistoryView(e *repository.HistoryEntry) historyView {
	return historyView{
		ID:           e.ID,
		ActorID:      e.ActorID,
		StepSequence: e.StepSequence,
		Cycle:        e.Cycle,
		Action:       e.Action,
		ActionType:   e.ActionType,
		FromStatusID: e.FromStatusID,
		ToStatusID:   e.ToStatusID,
		Comment:      e.Comment,
		CreatedAt:    e.CreatedAt,
	}
}

type ruleView struct {
	ID                 int64                 `json:"id"`
	CategoryID         int64                 `json:"categoryId"`
	CorrectionTypeID   *int64                `json:"correctionTypeId"`
	CurrentStatusID    int64                 `json:"currentStatusId"`
	RoleID             int64                 `json:"roleId"`
	Action             string                `json:"action"`
	ActionType         repository.ActionType `json:"actionType"`
	NextStatusID       int64                 `json:"nextStatusId"`
	StepSequence       int                   `json:"stepSequence"`
	FilterByDepartment bool                  `json:"filterByDepartment"`
}

func toRuleView(r *repository.TransitionRule) ruleView {
	return ruleView{
		ID:                 r.ID,
		CategoryID:         r.CategoryID,
		CorrectionTypeID:   r.CorrectionTypeID,
		CurrentStatusID:    r.CurrentStatusID,
		RoleID:             r.RoleID,
		Action:             r.Action,
		ActionType:         r.ActionType,
		NextStatusID:       r.NextStatusID,
		StepSequence:       r.StepSequence,
		FilterByDepartment: r.FilterByDepartment,
	}
}

func (v ruleView) toRule() *repository.TransitionRule {
	return &repository.TransitionRule{
		CategoryID:         v.CategoryID,
		CorrectionTypeID:   v.CorrectionTypeID,
		CurrentStatusID:    v.CurrentStatusID,
		RoleID:             v.RoleID,
		Action:             v.Action,
		ActionType:         v.ActionType,
		NextStatusID:       v.NextStatusID,
		StepSequence:       v.StepSequence,
		FilterByDepartment: v.FilterByDepartment,
	}
}

// ── Plumbing ──────────────────────────────────────────────────────────────────

type actorKey struct{}

// requireUser rejects requests without a valid X-User-ID header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code:    "UNAUTHENTICATED",
				Message: "missing or invalid " + UserIDHeader + " header",
			}})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, id)))
	})
}

func actorFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(actorKey{}).(int64)
	return id
}

// requestID propagates X-Request-ID, minting one when the caller sent none.
func (h *HTTPHandler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (h *HTTPHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, errors.InvalidInput(name, "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    string(errors.ErrCodeInvalidInput),
			Message: "invalid request body",
		}})
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidAction:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := HTTPStatus(code)
	msg := err.Error()
	if code == errors.ErrCodeInternal {
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("code", string(code)).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
