package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/pkg/host"
)

// HostHandler exposes the host catalog (registration, deletion, listing,
// and capability management) over HTTP. There is no separate host domain
// service — the catalog's invariants (freepool membership on register/
// delete) live in host.Store itself.
type HostHandler struct {
	store  *host.Store
	logger *slog.Logger
}

// NewHostHandler creates a HostHandler.
func NewHostHandler(store *host.Store, logger *slog.Logger) *HostHandler {
	return &HostHandler{store: store, logger: logger}
}

// Routes returns the chi router mounting the host catalog surface.
func (h *HostHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{hostID}", h.handleGet)
	r.Delete("/{hostID}", h.handleDelete)
	r.Put("/{hostID}/capabilities/{name}", h.handlePutCapability)
	r.Delete("/{hostID}/capabilities/{name}", h.handleDeleteCapability)
	return r
}

type createHostRequest struct {
	HypervisorHostname string `json:"hypervisor_hostname" validate:"required"`
	ServiceName        string `json:"service_name" validate:"required"`
	TrustID            string `json:"trust_id"`
}

func (h *HostHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createHostRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.store.Create(r.Context(), host.Host{
		HypervisorHostname: req.HypervisorHostname,
		ServiceName:        req.ServiceName,
		TrustID:            req.TrustID,
	})
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusCreated, created)
}

func (h *HostHandler) handleList(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.store.List(r.Context())
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, hosts)
}

func (h *HostHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "host_id must be a UUID")
		return
	}

	got, err := h.store.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, got)
}

func (h *HostHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "host_id must be a UUID")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

type capabilityRequest struct {
	Value string `json:"value" validate:"required"`
}

func (h *HostHandler) handlePutCapability(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "host_id must be a UUID")
		return
	}
	name := chi.URLParam(r, "name")

	var req capabilityRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.store.AddExtraCapability(r.Context(), id, name, req.Value); err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (h *HostHandler) handleDeleteCapability(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "malformed_parameter", "host_id must be a UUID")
		return
	}
	name := chi.URLParam(r, "name")

	if err := h.store.RemoveExtraCapability(r.Context(), id, name); err != nil {
		RespondDomainError(w, r, h.logger, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}
