/*
handlers.go - HTTP API handlers for the aporte ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service and identity.Provider.

ENDPOINTS:
  Auth (public):
    POST   /api/auth/register          Create user + account (optional referral_code)
    POST   /api/auth/login             Issue a session token, apply pending accrual
    POST   /api/auth/logout            End the current session

  Catalog (public):
    GET    /api/products               List products

  Wallet (session required):
    GET    /api/me                     Wallet summary
    POST   /api/me/refresh             Apply accrual up to now
    POST   /api/me/checkin             Daily check-in bonus
    GET    /api/me/purchases           List purchases
    POST   /api/me/purchases           Buy a product
    POST   /api/me/purchases/{id}/settle  Settle one purchase
    POST   /api/me/settle              Settle all purchases
    GET    /api/me/commissions         Referral commissions
    POST   /api/me/commissions/withdraw  Withdraw matured commissions
    GET    /api/me/entries             Journal

  Admin (X-Admin-Key required):
    PUT    /api/admin/products         Upsert catalog entries
    POST   /api/admin/settle           Settle every account

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, business rule rejections
  - 401: Missing or bad credentials
  - 404: Resource not found
  - 409: Conflict (already checked in, duplicate email, stale account write)
  - 500: Internal errors (logged, details hidden)

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Session and admin key checks
  - server.go: Router setup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/aporte-ledger/factory"
	"github.com/warp/aporte-ledger/identity"
	"github.com/warp/aporte-ledger/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service     *ledger.Service
	Auth        *identity.Provider
	Logger      *zap.Logger
	AdminAPIKey string
}

// NewHandler creates a handler. A nil logger is replaced with a no-op one.
func NewHandler(svc *ledger.Service, auth *identity.Provider, logger *zap.Logger, adminKey string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Auth: auth, Logger: logger, AdminAPIKey: adminKey}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Register creates the user, opens the ledger account and logs the user in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx := r.Context()

	// Checked before the user exists so a typo does not leave an orphan login.
	if req.ReferralCode != "" {
		ok, err := h.Service.ReferralExists(ctx, req.ReferralCode)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown referral code", nil)
			return
		}
	}

	id, err := h.Auth.Register(ctx, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := h.Service.OpenAccount(ctx, id, identity.NormalizeEmail(req.Email), req.ReferralCode)
	if err != nil {
		// A login without a ledger account cannot be used, so drop it and let
		// the client retry the whole registration.
		if uerr := h.Auth.Unregister(context.WithoutCancel(ctx), id); uerr != nil {
			h.Logger.Error("undo registration failed",
				zap.String("account_id", string(id)),
				zap.Error(uerr))
		}
		h.fail(w, r, err)
		return
	}
	session, err := h.Auth.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SessionResponse{
		Token:     session.Token,
		ExpiresAt: timestamp(session.ExpiresAt),
		Account:   toAccountDTO(account),
	})
}

// Login issues a session and brings the balance up to date.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx := r.Context()

	session, err := h.Auth.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := h.loginAccount(ctx, session)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		Token:     session.Token,
		ExpiresAt: timestamp(session.ExpiresAt),
		Account:   toAccountDTO(account),
	})
}

// loginAccount refreshes the session's account. A user whose registration
// stopped before the account was opened gets one now, without a referrer.
func (h *Handler) loginAccount(ctx context.Context, session identity.Session) (ledger.Account, error) {
	account, _, err := h.Service.RefreshAccount(ctx, session.AccountID)
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return account, err
	}
	h.Logger.Warn("opening missing ledger account", zap.String("account_id", string(session.AccountID)))
	account, err = h.Service.OpenAccount(ctx, session.AccountID, session.Email, "")
	if errors.Is(err, ledger.ErrDuplicateAccount) {
		account, _, err = h.Service.RefreshAccount(ctx, session.AccountID)
	}
	return account, err
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.EndSession(r.Context(), sessionToken(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Service.Products(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]factory.ProductJSON, len(products))
	for i, p := range products {
		dtos[i] = factory.FromProduct(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpsertProducts accepts a catalog array in the same format as CATALOG_PATH.
func (h *Handler) UpsertProducts(w http.ResponseWriter, r *http.Request) {
	var entries []factory.ProductJSON
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	out := make([]factory.ProductJSON, 0, len(entries))
	for _, e := range entries {
		p, err := e.ToProduct()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid product", err)
			return
		}
		if err := h.Service.UpsertProduct(r.Context(), p); err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, factory.FromProduct(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Service.Summary(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	account, credited, err := h.Service.RefreshAccount(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Credited: money(credited), Account: toAccountDTO(account)})
}

func (h *Handler) Checkin(w http.ResponseWriter, r *http.Request) {
	account, err := h.Service.Checkin(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.Service.Purchases(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTOs(purchases))
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required", nil)
		return
	}

	receipt, err := h.Service.Purchase(r.Context(), accountID(r), ledger.ProductID(req.ProductID))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := PurchaseResponse{
		Purchase: toPurchaseDTO(receipt.Purchase),
		Account:  toAccountDTO(receipt.Buyer),
	}
	if receipt.Commission != nil {
		c := toCommissionDTO(*receipt.Commission, h.Service.Clock().Now())
		resp.Commission = &c
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) SettleAccount(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.SettlePurchases(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(result))
}

// SettleOne settles a single purchase owned by the caller.
func (h *Handler) SettleOne(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	purchaseID := ledger.PurchaseID(chi.URLParam(r, "id"))

	// Someone else's purchase is reported as missing.
	owned, err := h.Service.Purchases(ctx, accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	found := false
	for _, p := range owned {
		if p.ID == purchaseID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "Purchase not found", nil)
		return
	}

	result, err := h.Service.SettlePurchase(ctx, purchaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(result))
}

func toSettlementResponse(res ledger.SettlementResult) SettlementResponse {
	return SettlementResponse{
		Credited:  money(res.Credited),
		Purchases: toPurchaseDTOs(res.Purchases),
		Account:   toAccountDTO(res.Account),
	}
}

func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	account, err := h.Service.Account(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Service.Clock().Now()
	writeJSON(w, http.StatusOK, CommissionsResponse{
		Pending:      money(account.PendingTotal()),
		Withdrawable: money(account.WithdrawableTotal(now)),
		Commissions:  toCommissionDTOs(account.PendingCommissions, now),
	})
}

func (h *Handler) WithdrawCommissions(w http.ResponseWriter, r *http.Request) {
	account, amount, paid, err := h.Service.WithdrawCommissions(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{
		Amount:      money(amount),
		Commissions: toCommissionDTOs(paid, h.Service.Clock().Now()),
		Account:     toAccountDTO(account),
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Entries(r.Context(), accountID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSettlement runs the same pass as the settlement scheduler.
func (h *Handler) TriggerSettlement(w http.ResponseWriter, r *http.Request) {
	total, accounts, err := h.Service.SettleAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleAllResponse{Credited: money(total), Accounts: accounts})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a service or identity error to a status code. Unexpected
// errors are logged and their details withheld from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func classify(err error) (int, string) {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.Is(err, ledger.ErrAlreadyCheckedIn):
		return http.StatusConflict, "Already checked in today"
	case errors.As(err, &insufficient):
		return http.StatusBadRequest, fmt.Sprintf("Insufficient balance: %s short", money(insufficient.Shortfall))
	case ledger.IsClientError(err):
		return http.StatusBadRequest, "Request rejected"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case ledger.IsConflict(err), errors.Is(err, identity.ErrDuplicateEmail):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, identity.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid input"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password"
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrSessionRevoked):
		return http.StatusUnauthorized, "Invalid session"
	}
	return http.StatusInternalServerError, "Internal error"
}
