package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gianick/domain-topology/internal/logging"
	"github.com/gianick/domain-topology/internal/protocol"
	"github.com/gianick/domain-topology/internal/service"
)

type Handler struct {
	service *service.TopologyService
	logger  *slog.Logger
}

func NewHandler(svc *service.TopologyService, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/topology/submit", h.handleSubmit)
	mux.HandleFunc("POST /v1/topology/inspect", h.handleInspect)
	mux.HandleFunc("GET /v1/topology/parties", h.handleKnownParties)
	mux.HandleFunc("GET /v1/topology/essential-state", h.handleEssentialState)
	mux.HandleFunc("POST /v1/topology/bootstrap", h.handleBootstrap)
	mux.HandleFunc("POST /v1/topology/sign", h.handleSign)
	mux.HandleFunc("GET /v1/traffic/status", h.handleTrafficStatus)
	mux.HandleFunc("POST /v1/traffic/top-up", h.handleTopUp)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "stored_entries", resp.StoredEntries)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "submit")
	logging.AddField(r.Context(), "sender", string(req.Sender))
	logging.AddField(r.Context(), "accepted", resp.Accepted)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req protocol.InspectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.Inspect(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "inspect")
	logging.AddField(r.Context(), "result_count", len(resp.Results))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleKnownParties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := parseTimestamp(q.Get("as_of"), time.Now().UTC())
	if err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer", false, err))
			return
		}
	}
	resp, err := h.service.KnownParties(r.Context(), asOf, q.Get("party"), q.Get("participant"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "known_parties")
	logging.AddField(r.Context(), "party_count", len(resp.Parties))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEssentialState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := parseTimestamp(q.Get("as_of"), time.Now().UTC())
	if err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.EssentialState(r.Context(), protocol.Member(q.Get("member")), asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "essential_state")
	logging.AddField(r.Context(), "member", string(resp.Member))
	logging.AddField(r.Context(), "snapshot_size", len(resp.Snapshot))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req protocol.BootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.Bootstrap(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "bootstrap")
	logging.AddField(r.Context(), "imported", resp.Imported)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	var req protocol.SignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.SignTransaction(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "sign")
	logging.AddField(r.Context(), "tx_hash", resp.TxHash)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTrafficStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.TrafficStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "traffic_status")
	logging.AddField(r.Context(), "member_count", len(resp.States))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req protocol.BalanceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return
	}
	resp, err := h.service.TopUpBalance(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "top_up")
	logging.AddField(r.Context(), "member", string(req.Member))
	logging.AddField(r.Context(), "serial", req.Serial)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func parseTimestamp(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New("timestamp must be RFC 3339")
	}
	return ts, nil
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 2<<20)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
