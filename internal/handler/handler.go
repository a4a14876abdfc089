package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/honeynil/creditledger/internal/gateway"
	"github.com/honeynil/creditledger/internal/infrastructure/auth"
	"github.com/honeynil/creditledger/internal/models"
	service "github.com/honeynil/creditledger/internal/services"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
)

const retryAfterSeconds = "5"

type Handler struct {
	service service.LedgerService
}

func NewHandler(s service.LedgerService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Error         string `json:"error"`
	TransactionID int64  `json:"transaction_id,omitempty"`
}

// statusFor keeps terminal failures (4xx) apart from transient ones (503).
func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrPlanNotFound), errors.Is(err, pkgerrors.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired
	case pkgerrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeErrorBody(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeErrorBody(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/purchase", h.StartPurchase).Methods("POST")
	r.HandleFunc("/purchase/{id}/initiate", h.ResumePurchase).Methods("POST")
	r.HandleFunc("/verify", h.VerifySettlement).Methods("POST")
	r.HandleFunc("/verify-order", h.VerifyOrder).Methods("POST")
	r.HandleFunc("/credits", h.GetCredits).Methods("GET")
}

// returnOrigin is where a hosted checkout sends the browser back to.
func returnOrigin(r *http.Request) string {
	return r.Header.Get("Origin")
}

func parseTransactionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.ErrInvalidReference
	}
	return id, nil
}

func (h *Handler) StartPurchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, pkgerrors.ErrUnauthenticated)
		return
	}

	var req struct {
		PlanID  string `json:"plan_id"`
		Gateway string `json:"gateway"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	kind, ok := models.ParseGatewayKind(req.Gateway)
	if !ok {
		h.writeError(w, http.StatusBadRequest, errors.New("unknown gateway"))
		return
	}

	res, err := h.service.StartPurchase(r.Context(), service.PurchaseRequest{
		AccountID:    accountID,
		PlanID:       req.PlanID,
		Gateway:      kind,
		ReturnOrigin: returnOrigin(r),
	})
	if err != nil {
		slog.Error("purchase failed", "account_id", accountID, "plan_id", req.PlanID, "gateway", kind, "error", err)
		body := errorResponse{Error: err.Error()}
		if res != nil {
			body.TransactionID = res.TransactionID
		}
		h.writeErrorBody(w, statusFor(err), body)
		return
	}

	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ResumePurchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, pkgerrors.ErrUnauthenticated)
		return
	}

	transactionID, err := parseTransactionID(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.service.ResumePurchase(r.Context(), accountID, transactionID, returnOrigin(r))
	if err != nil {
		slog.Error("resume purchase failed", "account_id", accountID, "transaction_id", transactionID, "error", err)
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) VerifySettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID json.Number `json:"transaction_id"`
		Success       bool        `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	transactionID, err := parseTransactionID(req.TransactionID.String())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.service.VerifySettlement(r.Context(), transactionID, gateway.Evidence{Success: req.Success})
	if err != nil {
		slog.Warn("verification failed", "transaction_id", transactionID, "error", err)
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	credited, err := h.service.VerifyOrder(r.Context(), req.OrderID)
	if err != nil {
		slog.Warn("order verification failed", "order_id", req.OrderID, "error", err)
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"credited": credited})
}

func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, pkgerrors.ErrUnauthenticated)
		return
	}

	credits, err := h.service.GetCredits(r.Context(), accountID)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"credits": credits})
}
