/*
handlers.go - HTTP API handlers for the affiliate ledger

PURPOSE:
  Exposes registration, the referral graph, purchases, balances and the
  withdrawal workflow over REST. Handlers parse and authorize the request,
  call exactly one domain operation and serialize its result.

ENDPOINTS:
  Users:
    POST   /api/users                        Register (optional referral_code)
    GET    /api/users/{id}                   Get user
    POST   /api/users/{id}/referrer          Link under a parent
    GET    /api/users/{id}/ancestors?depth=N Upline, nearest first
    GET    /api/users/{id}/dashboard         Dashboard view
    GET    /api/users/{id}/balance           Derived balance
    GET    /api/users/{id}/earnings          Earning records
    GET    /api/users/{id}/withdrawals       Withdrawal requests
    GET    /api/users/{id}/orders            Payment orders

  Orders:
    POST   /api/orders                       Open a payment order at list price
    GET    /api/orders/{id}                  Get order (owner or admin)

  Purchases:
    POST   /api/purchases/preview            Commission preview, writes nothing

  Withdrawals:
    POST   /api/withdrawals                  Request a withdrawal
    POST   /api/withdrawals/{id}/cancel      Cancel own pending request

  Admin:
    GET    /api/admin/stats
    GET    /api/admin/orders?status=&user_id=
    POST   /api/admin/orders/{id}/confirm    Payment reported PAID, records purchase
    POST   /api/admin/orders/{id}/fail
    POST   /api/admin/purchases              Record a purchase without an order
    GET    /api/admin/users
    POST   /api/admin/users/{id}/active
    POST   /api/admin/users/{id}/recompute
    GET    /api/admin/earnings?status=&kind=&user_id=
    POST   /api/admin/earnings/pay
    GET    /api/admin/withdrawals?status=&user_id=
    POST   /api/admin/withdrawals/{id}/approve
    POST   /api/admin/withdrawals/{id}/reject

REQUEST FLOW:
  1. Decode and validate the body (dto.go)
  2. Check the caller may act on the target user (auth.go)
  3. Call the domain operation
  4. Serialize, or map the error (errors.go)

SEE ALSO:
  - server.go: router and middleware
  - dto.go: request/response shapes
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/checkout"
	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/query"
	"github.com/warp/affiliate-ledger/referral"
	"github.com/warp/affiliate-ledger/withdrawal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services are the domain components the API drives.
type Services struct {
	Ledger    *ledger.Ledger
	Graph     *referral.Graph
	Directory *referral.Directory
	Engine    *commission.Engine
	Checkout  *checkout.Checkout
	Processor *withdrawal.Processor
	Query     *query.Facade
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc  Services
	auth *Auth
	log  *zap.Logger

	// dev enables token issue and demo scenarios.
	dev bool
}

func NewHandler(svc Services, auth *Auth, log *zap.Logger, dev bool) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, auth: auth, log: log, dev: dev}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// maxAncestorDepth bounds ?depth= on the ancestors route.
const maxAncestorDepth = 1000

func userParam(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "id"))
}

// intQuery reads a non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ledger.InputError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// =============================================================================
// USERS
// =============================================================================

// Register creates a user. Only admins may create admins.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	role := ledger.Role(req.Role)
	if role == ledger.RoleAdmin {
		if c, ok := claimsFrom(r.Context()); !ok || !c.admin() {
			h.fail(w, r, errForbidden)
			return
		}
	}

	user, err := h.svc.Directory.Register(r.Context(), referral.Registration{
		ID:           ledger.UserID(req.ID),
		ReferralCode: req.ReferralCode,
		Role:         role,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(*user))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.svc.Directory.User(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// SetReferrer links the user under a parent given by id or referral code.
func (h *Handler) SetReferrer(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	var req SetReferrerRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	parentID := ledger.UserID(req.ParentID)
	if parentID == "" {
		parent, err := h.svc.Directory.ByCode(r.Context(), req.ReferralCode)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		parentID = parent.ID
	}
	if err := h.svc.Graph.SetParent(r.Context(), id, parentID); err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.svc.Directory.User(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) Ancestors(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	depth, err := intQuery(r, "depth", commission.MaxDepth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	depth = min(depth, maxAncestorDepth)
	if _, err := h.svc.Directory.User(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	ids, err := h.svc.Graph.Ancestors(r.Context(), id, depth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := AncestorsDTO{UserID: string(id), Ancestors: make([]string, len(ids))}
	for i, a := range ids {
		out.Ancestors[i] = string(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	dash, err := h.svc.Query.Dashboard(r.Context(), id, h.svc.Processor.Config().MinWithdrawal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardDTO(dash))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.svc.Directory.User(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	bal, err := h.svc.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

func (h *Handler) ListEarnings(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := earningFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.BeneficiaryID = id
	records, err := h.svc.Ledger.Earnings(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningDTOs(records))
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := withdrawalFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.UserID = id
	ws, err := h.svc.Ledger.Withdrawals(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

// =============================================================================
// ORDERS
// =============================================================================

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	buyer := ledger.UserID(req.BuyerID)
	if err := actAs(r, buyer); err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.svc.Checkout.CreateOrder(r.Context(), buyer, ledger.Package(req.Package))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(*order))
}

// GetOrder reports someone else's order as not found.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := ledger.OrderID(chi.URLParam(r, "id"))
	order, err := h.svc.Checkout.Order(r.Context(), id)
	if err == nil && actAs(r, order.BuyerID) != nil {
		err = ledger.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	if err := actAs(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := orderFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.BuyerID = id
	orders, err := h.svc.Checkout.Orders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTOs(orders))
}

// =============================================================================
// PURCHASES
// =============================================================================

func (h *Handler) purchaseInput(r *http.Request) (commission.PurchaseInput, error) {
	var req PurchaseRequest
	if err := decode(r, &req); err != nil {
		return commission.PurchaseInput{}, err
	}
	buyer := ledger.UserID(req.BuyerID)
	if err := actAs(r, buyer); err != nil {
		return commission.PurchaseInput{}, err
	}
	pkg, err := ledger.ParsePackage(req.Package)
	if err != nil {
		return commission.PurchaseInput{}, err
	}
	in := commission.PurchaseInput{ID: ledger.PurchaseID(req.ID), BuyerID: buyer, Package: pkg}
	if req.Amount != "" {
		if in.Amount, err = ledger.ParseMoney(req.Amount); err != nil {
			return commission.PurchaseInput{}, err
		}
	}
	return in, nil
}

// CreatePurchase records a sale directly. Admin only: users go through an
// order that the payment rail confirms.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	in, err := h.purchaseInput(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Engine.Apply(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseResultDTO(res, false))
}

func (h *Handler) PreviewPurchase(w http.ResponseWriter, r *http.Request) {
	in, err := h.purchaseInput(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.Engine.Preview(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResultDTO(res, true))
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// RequestWithdrawal always acts for the authenticated caller.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	wr, err := h.svc.Processor.Request(r.Context(), caller(r), amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*wr))
}

func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := ledger.WithdrawalID(chi.URLParam(r, "id"))
	wr, err := h.svc.Processor.Cancel(r.Context(), caller(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wr))
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Query.AdminStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdminStatsDTO(stats))
}

func (h *Handler) AdminOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.BuyerID = ledger.UserID(r.URL.Query().Get("user_id"))
	orders, err := h.svc.Checkout.Orders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTOs(orders))
}

func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	id := ledger.OrderID(chi.URLParam(r, "id"))
	order, res, err := h.svc.Checkout.Confirm(r.Context(), id, string(caller(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmedOrderDTO{Order: toOrderDTO(*order), Result: toPurchaseResultDTO(res, false)})
}

func (h *Handler) FailOrder(w http.ResponseWriter, r *http.Request) {
	var req FailOrderRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	id := ledger.OrderID(chi.URLParam(r, "id"))
	order, err := h.svc.Checkout.Fail(r.Context(), id, string(caller(r)), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.Query.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTOs(users))
}

func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.svc.Directory.SetActive(r.Context(), userParam(r), *req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

func (h *Handler) RecomputeTotals(w http.ResponseWriter, r *http.Request) {
	id := userParam(r)
	total, err := h.svc.Ledger.RecomputeTotals(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecomputeDTO{UserID: string(id), TotalEarnings: money(total)})
}

func (h *Handler) AdminEarnings(w http.ResponseWriter, r *http.Request) {
	filter, err := earningFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.BeneficiaryID = ledger.UserID(r.URL.Query().Get("user_id"))
	records, err := h.svc.Query.AdminEarnings(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningDTOs(records))
}

// MarkPaid settles earnings all-or-nothing.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ids := make([]ledger.EarningID, len(req.EarningIDs))
	for i, id := range req.EarningIDs {
		ids[i] = ledger.EarningID(id)
	}
	records, err := h.svc.Ledger.MarkPaid(r.Context(), ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningDTOs(records))
}

func (h *Handler) AdminWithdrawals(w http.ResponseWriter, r *http.Request) {
	filter, err := withdrawalFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.UserID = ledger.UserID(r.URL.Query().Get("user_id"))
	ws, err := h.svc.Query.AdminWithdrawals(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, withdrawal.Approve)
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, withdrawal.Reject)
}

// decide answers 202 when an approved request is waiting on the payout
// rail; the sweeper finishes it.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request, outcome withdrawal.Outcome) {
	var req DecideRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	id := ledger.WithdrawalID(chi.URLParam(r, "id"))
	wr, err := h.svc.Processor.Decide(r.Context(), id, outcome, string(caller(r)), req.Reason)
	if errors.Is(err, withdrawal.ErrSettlementDeferred) && wr != nil {
		writeJSON(w, http.StatusAccepted, toWithdrawalDTO(*wr))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wr))
}

// =============================================================================
// FILTERS
// =============================================================================

func earningFilter(r *http.Request) (ledger.EarningFilter, error) {
	q := r.URL.Query()
	f := ledger.EarningFilter{
		Status: ledger.EarningStatus(q.Get("status")),
		Kind:   ledger.EarningKind(q.Get("kind")),
	}
	switch f.Status {
	case "", ledger.EarningPending, ledger.EarningPaid:
	default:
		return f, &ledger.InputError{Field: "status", Reason: "must be pending or paid"}
	}
	switch f.Kind {
	case "", ledger.EarningDirect, ledger.EarningTeam:
	default:
		return f, &ledger.InputError{Field: "kind", Reason: "must be direct or team"}
	}
	limit, err := intQuery(r, "limit", 0)
	f.Limit = limit
	return f, err
}

func orderFilter(r *http.Request) (ledger.OrderFilter, error) {
	f := ledger.OrderFilter{Status: ledger.OrderStatus(r.URL.Query().Get("status"))}
	switch f.Status {
	case "", ledger.OrderCreated, ledger.OrderPaid, ledger.OrderFailed:
	default:
		return f, &ledger.InputError{Field: "status", Reason: "must be created, paid or failed"}
	}
	limit, err := intQuery(r, "limit", 0)
	f.Limit = limit
	return f, err
}

func withdrawalFilter(r *http.Request) (ledger.WithdrawalFilter, error) {
	var f ledger.WithdrawalFilter
	for _, s := range r.URL.Query()["status"] {
		status := ledger.WithdrawalStatus(s)
		switch status {
		case ledger.WithdrawalPending, ledger.WithdrawalProcessing, ledger.WithdrawalCompleted, ledger.WithdrawalCancelled:
			f.Statuses = append(f.Statuses, status)
		default:
			return f, &ledger.InputError{Field: "status", Reason: "unknown withdrawal status " + strconv.Quote(s)}
		}
	}
	limit, err := intQuery(r, "limit", 0)
	f.Limit = limit
	return f, err
}

// =============================================================================
// AUTH / HEALTH
// =============================================================================

// IssueToken mints a user token for local development. It is off unless
// DEV_TOKENS is set, and never mints admin tokens.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if !h.dev {
		writeError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	var req TokenRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	role := ledger.Role(req.Role)
	if role == "" {
		role = ledger.RoleUser
	}
	if role != ledger.RoleUser {
		h.fail(w, r, errForbidden)
		return
	}
	token, err := h.auth.Issue(ledger.UserID(req.UserID), role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenDTO{Token: token})
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	status := map[string]string{"status": "ok", "time": h.svc.Ledger.Now().UTC().Format(time.RFC3339)}
	if p, ok := h.svc.Ledger.Store().(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}
