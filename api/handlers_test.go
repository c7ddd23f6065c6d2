/*
handlers_test.go - HTTP tests for the API

Tests for:
- Registration through referral codes and the order -> confirm -> pay ->
  withdraw flow
- Authorization (anonymous, other user, non-admin)
- Error status mapping (400, 404, 409, 422, 202 on deferred payout)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-ledger/checkout"
	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/ledger/store"
	"github.com/warp/affiliate-ledger/query"
	"github.com/warp/affiliate-ledger/referral"
	"github.com/warp/affiliate-ledger/withdrawal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
	auth   *Auth
	svc    Services
}

func newTestServer(t *testing.T, payout withdrawal.Payout) *testServer {
	t.Helper()
	l := ledger.New(store.NewMemory(), nil)
	g := referral.NewGraph(l)
	eng, err := commission.NewEngine(l, g, commission.DefaultRates(), commission.DefaultPrices())
	require.NoError(t, err)

	svc := Services{
		Ledger:    l,
		Graph:     g,
		Directory: referral.NewDirectory(l, g),
		Engine:    eng,
		Checkout:  checkout.New(l, eng),
		Processor: withdrawal.NewProcessor(l, payout, withdrawal.DefaultConfig()),
		Query:     query.New(l, g, "https://example.test", commission.MaxDepth),
	}
	auth := NewAuth("test-secret", time.Hour)
	h := NewHandler(svc, auth, nil, true)
	return &testServer{t: t, router: NewRouter(h, []string{"*"}), auth: auth, svc: svc}
}

func (s *testServer) token(id ledger.UserID, role ledger.Role) string {
	s.t.Helper()
	tok, err := s.auth.Issue(id, role)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(id, code string) UserDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/users", "", RegisterRequest{ID: id, ReferralCode: code})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[UserDTO](s.t, rec)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// FLOW
// =============================================================================

func TestPurchasePayWithdrawFlow(t *testing.T) {
	// GIVEN: c <- b <- a registered through referral codes
	s := newTestServer(t, withdrawal.NoopPayout{})
	c := s.register("c", "")
	b := s.register("b", c.ReferralCode)
	s.register("a", b.ReferralCode)
	admin := s.token("ops", ledger.RoleAdmin)

	aTok := s.token("a", ledger.RoleUser)

	// WHEN: a orders pro; nothing is earned until the payment is confirmed
	rec := s.do(http.MethodPost, "/api/orders", aTok, OrderRequest{BuyerID: "a", Package: "pro"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[OrderDTO](t, rec)
	assert.Equal(t, "created", order.Status)
	assert.Equal(t, "2999.00", order.Amount)
	assert.Empty(t, decodeBody[[]EarningDTO](t, s.do(http.MethodGet, "/api/users/b/earnings", s.token("b", ledger.RoleUser), nil)))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/orders/"+order.ID, s.token("b", ledger.RoleUser), nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/admin/orders/"+order.ID+"/confirm", aTok, nil).Code)

	rec = s.do(http.MethodPost, "/api/admin/orders/"+order.ID+"/confirm", admin, nil)

	// THEN: b earns the direct commission; c has no package so earns nothing
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody[ConfirmedOrderDTO](t, rec)
	assert.Equal(t, "paid", confirmed.Order.Status)
	assert.Equal(t, "ops", confirmed.Order.SettledBy)
	res := confirmed.Result
	assert.Equal(t, order.ID, res.Purchase.ID)
	assert.Equal(t, "2999.00", res.Purchase.Amount)
	require.Len(t, res.Earnings, 1)
	assert.Equal(t, "b", res.Earnings[0].BeneficiaryID)
	assert.Equal(t, "1739.42", res.Earnings[0].CommissionAmount)

	bTok := s.token("b", ledger.RoleUser)
	bal := decodeBody[BalanceDTO](t, s.do(http.MethodGet, "/api/users/b/balance", bTok, nil))
	assert.Equal(t, "0.00", bal.Available)
	assert.Equal(t, "1739.42", bal.PendingEarnings)

	// WHEN: admin marks the earning paid
	rec = s.do(http.MethodPost, "/api/admin/earnings/pay", admin,
		MarkPaidRequest{EarningIDs: []string{res.Earnings[0].ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: below-minimum and over-balance requests are refused
	rec = s.do(http.MethodPost, "/api/withdrawals", bTok, WithdrawRequest{Amount: "150"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = s.do(http.MethodPost, "/api/withdrawals", bTok, WithdrawRequest{Amount: "5000"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// WHEN: b withdraws 500 and admin approves
	rec = s.do(http.MethodPost, "/api/withdrawals", bTok, WithdrawRequest{Amount: "500"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wr := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "pending", wr.Status)

	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wr.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	wr = decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "completed", wr.Status)
	assert.Equal(t, "noop-"+wr.ID, wr.PayoutReference)

	// THEN
	dash := decodeBody[DashboardDTO](t, s.do(http.MethodGet, "/api/users/b/dashboard", bTok, nil))
	assert.Equal(t, "1239.42", dash.Balance.Available)
	assert.Equal(t, "200.00", dash.MinimumWithdrawal)
	assert.Equal(t, "https://example.test/register?ref="+b.ReferralCode, dash.ReferralLink)
	assert.Equal(t, 1, dash.DirectTeamSize)

	stats := decodeBody[AdminStatsDTO](t, s.do(http.MethodGet, "/api/admin/stats", admin, nil))
	assert.Equal(t, 3, stats.Users)
	assert.Equal(t, "2999.00", stats.Purchases.Total)
	assert.Equal(t, 1, stats.Withdrawals["completed"].Count)

	anc := decodeBody[AncestorsDTO](t, s.do(http.MethodGet, "/api/users/a/ancestors", aTok, nil))
	assert.Equal(t, []string{"b", "c"}, anc.Ancestors)

	mine := decodeBody[[]OrderDTO](t, s.do(http.MethodGet, "/api/users/a/orders", aTok, nil))
	require.Len(t, mine, 1)
	assert.Equal(t, res.Purchase.ID, mine[0].PurchaseID)

	// A replayed confirmation is a conflict and pays nothing
	rec = s.do(http.MethodPost, "/api/admin/orders/"+order.ID+"/confirm", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPurchases_RequireAdmin(t *testing.T) {
	// GIVEN: a user with a referrer
	s := newTestServer(t, withdrawal.NoopPayout{})
	ref := s.register("ref", "")
	s.register("sock", ref.ReferralCode)
	body := PurchaseRequest{BuyerID: "sock", Package: "pro"}

	// WHEN: the buyer records a purchase for itself
	rec := s.do(http.MethodPost, "/api/admin/purchases", s.token("sock", ledger.RoleUser), body)

	// THEN: refused, nothing credited
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEqual(t, http.StatusCreated, s.do(http.MethodPost, "/api/purchases", s.token("sock", ledger.RoleUser), body).Code)
	bal := decodeBody[BalanceDTO](t, s.do(http.MethodGet, "/api/users/ref/balance", s.token("ref", ledger.RoleUser), nil))
	assert.Equal(t, "0.00", bal.PendingEarnings)

	// An admin can still record one directly
	rec = s.do(http.MethodPost, "/api/admin/purchases", s.token("ops", ledger.RoleAdmin), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "1739.42", decodeBody[PurchaseResultDTO](t, rec).TotalCommission)
}

func TestFailOrder(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	s.register("a", "")
	admin := s.token("ops", ledger.RoleAdmin)

	rec := s.do(http.MethodPost, "/api/orders", s.token("a", ledger.RoleUser), OrderRequest{BuyerID: "a", Package: "basic"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[OrderDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/admin/orders/"+order.ID+"/fail", admin, FailOrderRequest{Reason: "card declined"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "failed", decodeBody[OrderDTO](t, rec).Status)

	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/admin/orders/"+order.ID+"/confirm", admin, nil).Code)
	failed := decodeBody[[]OrderDTO](t, s.do(http.MethodGet, "/api/admin/orders?status=failed&user_id=a", admin, nil))
	require.Len(t, failed, 1)
	assert.Equal(t, "card declined", failed[0].Reason)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/admin/orders?status=lost", admin, nil).Code)
}

func TestPreviewWritesNothing(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	b := s.register("b", "")
	s.register("a", b.ReferralCode)
	aTok := s.token("a", ledger.RoleUser)

	rec := s.do(http.MethodPost, "/api/purchases/preview", aTok, PurchaseRequest{BuyerID: "a", Package: "basic"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[PurchaseResultDTO](t, rec)
	assert.True(t, res.Preview)
	assert.Equal(t, "869.42", res.TotalCommission)

	earnings := decodeBody[[]EarningDTO](t, s.do(http.MethodGet, "/api/users/b/earnings", s.token("b", ledger.RoleUser), nil))
	assert.Empty(t, earnings)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorization(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	s.register("a", "")
	s.register("b", "")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"anonymous user route", http.MethodGet, "/api/users/a", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/users/a", "not-a-jwt", http.StatusUnauthorized},
		{"other user", http.MethodGet, "/api/users/a", s.token("b", ledger.RoleUser), http.StatusForbidden},
		{"self", http.MethodGet, "/api/users/a", s.token("a", ledger.RoleUser), http.StatusOK},
		{"admin on user", http.MethodGet, "/api/users/a", s.token("ops", ledger.RoleAdmin), http.StatusOK},
		{"non-admin on admin route", http.MethodGet, "/api/admin/stats", s.token("a", ledger.RoleUser), http.StatusForbidden},
		{"health is public", http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	// A token signed with another secret is rejected
	other := NewAuth("other-secret", time.Hour)
	forged, err := other.Issue("a", ledger.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/admin/stats", forged, nil).Code)
}

func TestRegister_AdminRoleNeedsAdmin(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})

	rec := s.do(http.MethodPost, "/api/users", "", RegisterRequest{ID: "x", Role: "admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/users", s.token("ops", ledger.RoleAdmin), RegisterRequest{ID: "x", Role: "admin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "admin", decodeBody[UserDTO](t, rec).Role)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestSetReferrer_CycleIsConflict(t *testing.T) {
	// GIVEN: y is referred by x
	s := newTestServer(t, withdrawal.NoopPayout{})
	x := s.register("x", "")
	s.register("y", x.ReferralCode)

	// WHEN: x tries to join under y
	rec := s.do(http.MethodPost, "/api/users/x/referrer", s.token("x", ledger.RoleUser), SetReferrerRequest{ParentID: "y"})

	// THEN
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "referral cycle")

	// Linking an already linked user is also a conflict
	rec = s.do(http.MethodPost, "/api/users/y/referrer", s.token("y", ledger.RoleUser), SetReferrerRequest{ParentID: "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBadInput(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	s.register("a", "")
	aTok := s.token("a", ledger.RoleUser)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing id", "/api/users", RegisterRequest{}, http.StatusBadRequest},
		{"malformed code", "/api/users", RegisterRequest{ID: "n", ReferralCode: "12"}, http.StatusBadRequest},
		{"unknown code", "/api/users", RegisterRequest{ID: "n", ReferralCode: "0000000000"}, http.StatusBadRequest},
		{"unknown package", "/api/orders", OrderRequest{BuyerID: "a", Package: "gold"}, http.StatusBadRequest},
		{"order for someone else", "/api/orders", OrderRequest{BuyerID: "b", Package: "pro"}, http.StatusForbidden},
		{"price mismatch", "/api/purchases/preview", PurchaseRequest{BuyerID: "a", Package: "pro", Amount: "10"}, http.StatusBadRequest},
		{"three decimals", "/api/withdrawals", WithdrawRequest{Amount: "250.001"}, http.StatusBadRequest},
		{"unknown field", "/api/withdrawals", map[string]string{"amount": "250", "user_id": "b"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, tt.path, aTok, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(http.MethodGet, "/api/users/ghost/balance", s.token("ghost", ledger.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprove_DeferredPayoutIsAccepted(t *testing.T) {
	// GIVEN: a paid balance and a payout rail that is down
	rail := withdrawal.PayoutFunc(func(context.Context, withdrawal.Order) (withdrawal.Receipt, error) {
		return withdrawal.Receipt{}, errors.New("rail unavailable")
	})
	s := newTestServer(t, rail)
	b := s.register("b", "")
	s.register("a", b.ReferralCode)
	res, err := s.svc.Engine.Apply(context.Background(), commission.PurchaseInput{BuyerID: "a", Package: ledger.PackagePro})
	require.NoError(t, err)
	_, err = s.svc.Ledger.MarkPaid(context.Background(), []ledger.EarningID{res.Earnings[0].ID})
	require.NoError(t, err)

	wr, err := s.svc.Processor.Request(context.Background(), "b", ledger.MustMoney("300"))
	require.NoError(t, err)
	admin := s.token("ops", ledger.RoleAdmin)

	// WHEN
	rec := s.do(http.MethodPost, "/api/admin/withdrawals/"+string(wr.ID)+"/approve", admin, nil)

	// THEN: approved, still processing, retried later
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	dto := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "processing", dto.Status)
	assert.Equal(t, 1, dto.Attempts)
	assert.Contains(t, dto.LastError, "rail unavailable")

	// Approving again is an invalid transition
	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+string(wr.ID)+"/approve", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Admin can still reject it, releasing the amount
	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+string(wr.ID)+"/reject", admin, DecideRequest{Reason: "rail down"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeBody[WithdrawalDTO](t, rec).Status)

	list := decodeBody[[]WithdrawalDTO](t, s.do(http.MethodGet, "/api/admin/withdrawals?status=cancelled", admin, nil))
	assert.Len(t, list, 1)
}

func TestCancelWithdrawal_OnlyOwner(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	b := s.register("b", "")
	s.register("a", b.ReferralCode)
	res, err := s.svc.Engine.Apply(context.Background(), commission.PurchaseInput{BuyerID: "a", Package: ledger.PackagePro})
	require.NoError(t, err)
	_, err = s.svc.Ledger.MarkPaid(context.Background(), []ledger.EarningID{res.Earnings[0].ID})
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/withdrawals", s.token("b", ledger.RoleUser), WithdrawRequest{Amount: "250"})
	require.Equal(t, http.StatusCreated, rec.Code)
	wr := decodeBody[WithdrawalDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/withdrawals/"+wr.ID+"/cancel", s.token("a", ledger.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/withdrawals/"+wr.ID+"/cancel", s.token("b", ledger.RoleUser), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[WithdrawalDTO](t, rec).Status)
}

func TestSetActive_BlocksWithdrawals(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	s.register("a", "")
	admin := s.token("ops", ledger.RoleAdmin)
	off := false

	rec := s.do(http.MethodPost, "/api/admin/users/a/active", admin, SetActiveRequest{Active: &off})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[UserDTO](t, rec).Active)

	rec = s.do(http.MethodPost, "/api/admin/users/a/active", admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/admin/users/a/recompute", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.00", decodeBody[RecomputeDTO](t, rec).TotalEarnings)
}

func TestStatusFor_UplineChangedIsRetryableConflict(t *testing.T) {
	err := fmt.Errorf("purchase p1: %w", commission.ErrUplineChanged)
	assert.Equal(t, http.StatusConflict, statusFor(err))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
}

func TestAncestors_DepthIsClamped(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	b := s.register("b", "")
	s.register("a", b.ReferralCode)

	rec := s.do(http.MethodGet, "/api/users/a/ancestors?depth=4611686018427387904", s.token("a", ledger.RoleUser), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"b"}, decodeBody[AncestorsDTO](t, rec).Ancestors)
}

func TestIssueToken_DevOnly(t *testing.T) {
	s := newTestServer(t, withdrawal.NoopPayout{})
	rec := s.do(http.MethodPost, "/api/auth/token", "", TokenRequest{UserID: "a"})
	require.Equal(t, http.StatusOK, rec.Code)
	claims, err := s.auth.Parse(decodeBody[TokenDTO](t, rec).Token)
	require.NoError(t, err)
	assert.Equal(t, "a", claims.UserID)
	assert.Equal(t, "user", claims.Role)

	// Never an admin token, whatever the caller asks for
	rec = s.do(http.MethodPost, "/api/auth/token", "", TokenRequest{UserID: "mallory", Role: "admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	prod := NewHandler(s.svc, s.auth, nil, false)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", bytes.NewBufferString(`{"user_id":"a"}`))
	out := httptest.NewRecorder()
	NewRouter(prod, nil).ServeHTTP(out, req)
	assert.Equal(t, http.StatusNotFound, out.Code)
}
