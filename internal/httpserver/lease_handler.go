package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/pkg/lease"
	"github.com/nimbusresv/leasekeeper/pkg/plugin"
)

// LeaseHandler exposes the lease manager's RPC surface (§6: get_lease,
// list_leases, create_lease, update_lease, delete_lease) over HTTP, plus a
// generic <resource_type>:<method> dispatch route for plugin-specific calls.
type LeaseHandler struct {
	service *lease.Service
	logger  *slog.Logger
}

// NewLeaseHandler creates a LeaseHandler.
func NewLeaseHandler(service *lease.Service, logger *slog.Logger) *LeaseHandler {
	return &LeaseHandler{service: service, logger: logger}
}

// Routes returns the chi router mounting the lease RPC surface.
func (h *LeaseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{leaseID}", h.handleGet)
	r.Put("/{leaseID}", h.handleUpdate)
	r.Delete("/{leaseID}", h.handleDelete)
	r.Post("/{leaseID}/plugins/{resourceType}/{method}", h.handleDispatch)
	r.Get("/{leaseID}/plugins/{resourceType}/{method}", h.handleDispatchQuery)
	return r
}

func (h *LeaseHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "leaseID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "lease_id must be a UUID")
		return
	}

	l, err := h.service.GetLease(r.Context(), id)
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, l)
}

func (h *LeaseHandler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")

	leases, err := h.service.ListLeases(r.Context(), projectID)
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, leases)
}

func (h *LeaseHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req lease.CreateRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	l, err := h.service.CreateLease(r.Context(), req)
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusCreated, l)
}

func (h *LeaseHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "leaseID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "lease_id must be a UUID")
		return
	}

	var req lease.UpdateRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	l, err := h.service.UpdateLease(r.Context(), id, req)
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, l)
}

func (h *LeaseHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "leaseID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "lease_id must be a UUID")
		return
	}

	if err := h.service.DeleteLease(r.Context(), id); err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

// dispatchRequest is the wire shape of a <resource_type>:<method> call.
type dispatchRequest struct {
	ReservationID string         `json:"reservation_id"`
	Values        map[string]any `json:"values"`
	StartDate     string         `json:"start_date"`
	EndDate       string         `json:"end_date"`
}

func (h *LeaseHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "resourceType")
	method := chi.URLParam(r, "method")

	var req dispatchRequest
	if err := Decode(r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	reservationID, err := uuid.Parse(req.ReservationID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "reservation_id must be a UUID")
		return
	}

	var start, end time.Time
	if req.StartDate != "" {
		if start, err = time.Parse(lease.DateLayout, req.StartDate); err != nil {
			RespondError(w, r, http.StatusBadRequest, "invalid_date", "start_date must match "+lease.DateLayout)
			return
		}
	}
	if req.EndDate != "" {
		if end, err = time.Parse(lease.DateLayout, req.EndDate); err != nil {
			RespondError(w, r, http.StatusBadRequest, "invalid_date", "end_date must match "+lease.DateLayout)
			return
		}
	}

	if err := h.service.Dispatch(r.Context(), resourceType, method, reservationID, plugin.ReservationValues(req.Values), start, end); err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, nil)
}

// handleDispatchQuery serves the read-only counterpart to handleDispatch:
// currently only "get_allocations" (physical:host pool introspection).
func (h *LeaseHandler) handleDispatchQuery(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "resourceType")
	method := chi.URLParam(r, "method")

	if method != "get_allocations" {
		RespondError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("method %q not found on resource type %q", method, resourceType))
		return
	}

	reservationID, err := uuid.Parse(r.URL.Query().Get("reservation_id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "reservation_id query parameter must be a UUID")
		return
	}

	ids, err := h.service.GetAllocations(r.Context(), resourceType, reservationID)
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{"host_ids": ids})
}
