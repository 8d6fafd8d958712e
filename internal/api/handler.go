package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/connection"
	"github.com/ncondori/wasub/internal/dispatch"
	"github.com/ncondori/wasub/internal/health"
	"github.com/ncondori/wasub/internal/scheduler"
	"github.com/ncondori/wasub/internal/store"
	"github.com/ncondori/wasub/internal/subscription"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SendRequest is the body of POST /v1/messages
type SendRequest struct {
	To         string `json:"to"`
	Body       string `json:"body"`
	Attachment *struct {
		DataBase64 string `json:"data_base64"`
		Filename   string `json:"filename"`
		Caption    string `json:"caption"`
	} `json:"attachment,omitempty"`
}

// BulkSendRequest is the body of POST /v1/messages/bulk
type BulkSendRequest struct {
	Targets  []string `json:"targets"`
	Body     string   `json:"body"`
	DelaySec int      `json:"delay_sec,omitempty"`
}

// CustomerRequest is the body of POST /v1/customers
type CustomerRequest struct {
	Name         string `json:"name"`
	PhoneAddress string `json:"phone_address"`
	ServiceName  string `json:"service_name"`
	PlanName     string `json:"plan_name"`
	ExpiryDate   string `json:"expiry_date"` // YYYY-MM-DD
}

// Handler holds dependencies for the operator API.
type Handler struct {
	logger    *zap.Logger
	manager   *connection.Manager
	engine    *dispatch.Engine
	scheduler *scheduler.Scheduler
	tracker   *subscription.Tracker
	store     store.Store
	recorder  *health.Recorder
}

// NewHandler creates the operator API handler.
func NewHandler(
	logger *zap.Logger,
	manager *connection.Manager,
	engine *dispatch.Engine,
	sched *scheduler.Scheduler,
	tracker *subscription.Tracker,
	st store.Store,
	recorder *health.Recorder,
) *Handler {
	return &Handler{
		logger:    logger,
		manager:   manager,
		engine:    engine,
		scheduler: sched,
		tracker:   tracker,
		store:     st,
		recorder:  recorder,
	}
}

// GetState handles GET /v1/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"session":      h.manager.Health(),
		"health":       h.recorder.Snapshot(),
		"pass_running": h.scheduler.Running(),
		"last_pass":    h.scheduler.LastPass(),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RunSchedulerPass handles POST /v1/scheduler/run — the manual trigger
// path for testing and catch-up runs.
func (h *Handler) RunSchedulerPass(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.RunPass(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrPassRunning) {
			h.writeError(w, http.StatusConflict, "pass_running", "Reminder pass already running", "")
			return
		}
		h.logger.Error("manual pass failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "pass_failed", "Reminder pass failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// SendMessage handles POST /v1/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.To == "" || (req.Body == "" && req.Attachment == nil) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "to and body are required")
		return
	}

	dreq := dispatch.Request{
		TargetAddress: req.To,
		Body:          req.Body,
		Kind:          dispatch.KindAdhoc,
		CreatedAt:     time.Now(),
	}

	var result dispatch.Result
	var err error
	if req.Attachment != nil {
		result, err = h.engine.SendWithAttachment(r.Context(), dreq, dispatch.Attachment{
			DataBase64: req.Attachment.DataBase64,
			Filename:   req.Attachment.Filename,
			Caption:    req.Attachment.Caption,
		})
	} else {
		result, err = h.engine.Send(r.Context(), dreq)
	}

	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, dispatch.ErrInvalidAddress):
			status = http.StatusBadRequest
		case errors.Is(err, dispatch.ErrChannelUnavailable):
			status = http.StatusServiceUnavailable
		}
		h.writeError(w, status, dispatch.ErrorKind(err), "Send failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"target":     result.Target,
		"message_id": result.MessageID,
		"latency_ms": result.Latency.Milliseconds(),
	})
}

// SendBulk handles POST /v1/messages/bulk
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.Targets) == 0 || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "targets and body are required")
		return
	}

	job := dispatch.BulkJob{
		Targets:            req.Targets,
		Body:               req.Body,
		InterDispatchDelay: time.Duration(req.DelaySec) * time.Second,
	}

	summary := h.engine.SendBulk(r.Context(), job)
	h.writeJSON(w, http.StatusOK, summary)
}

// ListMessages handles GET /v1/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.store.ListMessages(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to list messages", "")
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// ListCustomers handles GET /v1/customers
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.store.LoadCustomers(r.Context())
	if err != nil {
		h.logger.Error("failed to load customers", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to load customers", "")
		return
	}
	h.writeJSON(w, http.StatusOK, customers)
}

// CreateCustomer handles POST /v1/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == "" || req.PhoneAddress == "" || req.ExpiryDate == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name, phone_address and expiry_date are required")
		return
	}

	expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid expiry_date", "expected YYYY-MM-DD")
		return
	}

	customer := &store.Customer{
		ID:           uuid.New(),
		Name:         req.Name,
		PhoneAddress: req.PhoneAddress,
		ServiceName:  req.ServiceName,
		PlanName:     req.PlanName,
		ExpiryDate:   expiry,
		Status:       subscription.DeriveStatus(expiry, time.Now()),
	}

	if err := h.store.UpsertCustomer(r.Context(), customer); err != nil {
		h.logger.Error("failed to create customer", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to create customer", "")
		return
	}

	h.logger.Info("customer created",
		zap.String("customer_id", customer.ID.String()),
		zap.String("status", customer.Status),
	)
	h.writeJSON(w, http.StatusCreated, customer)
}

// SuspendCustomer handles POST /v1/customers/{id}/suspend
func (h *Handler) SuspendCustomer(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.customerFromURL(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator suspension"
	}

	if err := h.tracker.Suspend(r.Context(), customer, body.Reason); err != nil {
		h.logger.Error("failed to suspend customer", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to suspend customer", "")
		return
	}
	h.writeJSON(w, http.StatusOK, customer)
}

// ReactivateCustomer handles POST /v1/customers/{id}/reactivate
func (h *Handler) ReactivateCustomer(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.customerFromURL(w, r)
	if !ok {
		return
	}

	if err := h.tracker.Reactivate(r.Context(), customer); err != nil {
		h.logger.Error("failed to reactivate customer", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to reactivate customer", "")
		return
	}
	h.writeJSON(w, http.StatusOK, customer)
}

// Logout handles POST /v1/logout — explicit operator teardown of the
// channel session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Logout(r.Context()); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "logout_failed", "Logout failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) customerFromURL(w http.ResponseWriter, r *http.Request) (*store.Customer, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer ID", "ID must be a valid UUID")
		return nil, false
	}

	customer, err := h.store.GetCustomer(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Customer not found", "")
			return nil, false
		}
		h.logger.Error("failed to get customer", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "store_error", "Failed to get customer", "")
		return nil, false
	}
	return customer, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
