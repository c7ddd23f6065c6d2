/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract, kept apart from the ledger types so
  storage fields can change without breaking clients.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

MONEY:
  Amounts travel as decimal strings with two places ("1739.42"), both ways.
  Request amounts are parsed with ledger.ParseMoney.

VALIDATION:
  Request structs carry validator/v10 tags; decode() runs them before any
  handler logic. Error details use the json field names.
*/
package api

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/query"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ledger.InputError{Field: "body", Reason: err.Error()}
	}
	return validate.Struct(dst)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyPlaces)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// =============================================================================
// REQUESTS
// =============================================================================

type RegisterRequest struct {
	ID           string `json:"id" validate:"required,max=64"`
	ReferralCode string `json:"referral_code" validate:"omitempty,numeric,len=10"`
	Role         string `json:"role" validate:"omitempty,oneof=user admin"`
}

// SetReferrerRequest names the parent either by id or by referral code.
type SetReferrerRequest struct {
	ParentID     string `json:"parent_id" validate:"required_without=ReferralCode,max=64"`
	ReferralCode string `json:"referral_code" validate:"required_without=ParentID,omitempty,numeric,len=10"`
}

type PurchaseRequest struct {
	ID      string `json:"id" validate:"max=64"`
	BuyerID string `json:"buyer_id" validate:"required,max=64"`
	Package string `json:"package" validate:"required,oneof=basic pro"`
	Amount  string `json:"amount"` // empty means list price
}

type OrderRequest struct {
	BuyerID string `json:"buyer_id" validate:"required,max=64"`
	Package string `json:"package" validate:"required,oneof=basic pro"`
}

type FailOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type WithdrawRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type DecideRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type MarkPaidRequest struct {
	EarningIDs []string `json:"earning_ids" validate:"required,min=1,dive,required"`
}

type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type TokenRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"omitempty,oneof=user admin"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type UserDTO struct {
	ID            string  `json:"id"`
	ReferrerID    *string `json:"referrer_id"`
	Package       string  `json:"package"`
	ReferralCode  string  `json:"referral_code"`
	TotalEarnings string  `json:"total_earnings"`
	Role          string  `json:"role"`
	Active        bool    `json:"active"`
	CreatedAt     string  `json:"created_at"`
}

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:            string(u.ID),
		Package:       string(u.Package),
		ReferralCode:  u.ReferralCode,
		TotalEarnings: money(u.TotalEarnings),
		Role:          string(u.Role),
		Active:        u.Active,
		CreatedAt:     u.CreatedAt.Format(time.RFC3339),
	}
	if u.ReferrerID != nil {
		ref := string(*u.ReferrerID)
		dto.ReferrerID = &ref
	}
	return dto
}

func toUserDTOs(users []ledger.User) []UserDTO {
	out := make([]UserDTO, len(users))
	for i, u := range users {
		out[i] = toUserDTO(u)
	}
	return out
}

type PurchaseDTO struct {
	ID        string `json:"id"`
	BuyerID   string `json:"buyer_id"`
	Package   string `json:"package"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

type EarningDTO struct {
	ID               string  `json:"id"`
	BeneficiaryID    string  `json:"beneficiary_id"`
	SourcePurchaseID string  `json:"source_purchase_id"`
	Kind             string  `json:"kind"`
	GrossAmount      string  `json:"gross_amount"`
	CommissionRate   string  `json:"commission_rate"`
	CommissionAmount string  `json:"commission_amount"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	PaidAt           *string `json:"paid_at"`
}

func toEarningDTOs(records []ledger.EarningRecord) []EarningDTO {
	out := make([]EarningDTO, len(records))
	for i, e := range records {
		out[i] = EarningDTO{
			ID:               string(e.ID),
			BeneficiaryID:    string(e.BeneficiaryID),
			SourcePurchaseID: string(e.SourcePurchaseID),
			Kind:             string(e.Kind),
			GrossAmount:      money(e.GrossAmount),
			CommissionRate:   e.CommissionRate.String(),
			CommissionAmount: money(e.CommissionAmount),
			Status:           string(e.Status),
			CreatedAt:        e.CreatedAt.Format(time.RFC3339),
			PaidAt:           timePtr(e.PaidAt),
		}
	}
	return out
}

// PurchaseResultDTO answers both a recorded purchase and a preview.
type PurchaseResultDTO struct {
	Purchase        PurchaseDTO  `json:"purchase"`
	Earnings        []EarningDTO `json:"earnings"`
	TotalCommission string       `json:"total_commission"`
	Preview         bool         `json:"preview,omitempty"`
}

func toPurchaseResultDTO(res *commission.Result, preview bool) PurchaseResultDTO {
	p := res.Purchase
	return PurchaseResultDTO{
		Purchase: PurchaseDTO{
			ID:        string(p.ID),
			BuyerID:   string(p.BuyerID),
			Package:   string(p.Package),
			Amount:    money(p.Amount),
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		},
		Earnings:        toEarningDTOs(res.Earnings),
		TotalCommission: money(res.Total()),
		Preview:         preview,
	}
}

type OrderDTO struct {
	ID         string  `json:"id"`
	BuyerID    string  `json:"buyer_id"`
	Package    string  `json:"package"`
	Amount     string  `json:"amount"`
	Status     string  `json:"status"`
	PurchaseID string  `json:"purchase_id,omitempty"`
	CreatedAt  string  `json:"created_at"`
	SettledAt  *string `json:"settled_at"`
	SettledBy  string  `json:"settled_by,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

func toOrderDTO(o ledger.PaymentOrder) OrderDTO {
	return OrderDTO{
		ID:         string(o.ID),
		BuyerID:    string(o.BuyerID),
		Package:    string(o.Package),
		Amount:     money(o.Amount),
		Status:     string(o.Status),
		PurchaseID: string(o.PurchaseID),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
		SettledAt:  timePtr(o.SettledAt),
		SettledBy:  o.SettledBy,
		Reason:     o.Reason,
	}
}

func toOrderDTOs(orders []ledger.PaymentOrder) []OrderDTO {
	out := make([]OrderDTO, len(orders))
	for i, o := range orders {
		out[i] = toOrderDTO(o)
	}
	return out
}

// ConfirmedOrderDTO is a paid order with the purchase it produced.
type ConfirmedOrderDTO struct {
	Order  OrderDTO          `json:"order"`
	Result PurchaseResultDTO `json:"result"`
}

type WithdrawalDTO struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Amount          string  `json:"amount"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	DecidedAt       *string `json:"decided_at"`
	DecidedBy       string  `json:"decided_by,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	CompletedAt     *string `json:"completed_at"`
	Attempts        int     `json:"attempts"`
	LastError       string  `json:"last_error,omitempty"`
	PayoutReference string  `json:"payout_reference,omitempty"`
	Stuck           bool    `json:"stuck"`
}

func toWithdrawalDTO(w ledger.WithdrawalRequest) WithdrawalDTO {
	return WithdrawalDTO{
		ID:              string(w.ID),
		UserID:          string(w.UserID),
		Amount:          money(w.Amount),
		Status:          string(w.Status),
		CreatedAt:       w.CreatedAt.Format(time.RFC3339),
		DecidedAt:       timePtr(w.DecidedAt),
		DecidedBy:       w.DecidedBy,
		Reason:          w.Reason,
		CompletedAt:     timePtr(w.CompletedAt),
		Attempts:        w.Attempts,
		LastError:       w.LastError,
		PayoutReference: w.PayoutReference,
		Stuck:           w.Stuck,
	}
}

func toWithdrawalDTOs(ws []ledger.WithdrawalRequest) []WithdrawalDTO {
	out := make([]WithdrawalDTO, len(ws))
	for i, w := range ws {
		out[i] = toWithdrawalDTO(w)
	}
	return out
}

type BalanceDTO struct {
	UserID          string `json:"user_id"`
	Available       string `json:"available"`
	PaidEarnings    string `json:"paid_earnings"`
	PendingEarnings string `json:"pending_earnings"`
	Reserved        string `json:"reserved"`
	Withdrawn       string `json:"withdrawn"`
	Lifetime        string `json:"lifetime"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:          string(b.UserID),
		Available:       money(b.Available),
		PaidEarnings:    money(b.PaidEarnings),
		PendingEarnings: money(b.PendingEarnings),
		Reserved:        money(b.Reserved),
		Withdrawn:       money(b.Withdrawn),
		Lifetime:        money(b.Lifetime),
	}
}

type DashboardDTO struct {
	User              UserDTO         `json:"user"`
	Balance           BalanceDTO      `json:"balance"`
	RecentEarnings    []EarningDTO    `json:"recent_earnings"`
	RecentWithdrawals []WithdrawalDTO `json:"recent_withdrawals"`
	ReferralLink      string          `json:"referral_link"`
	DirectTeamSize    int             `json:"direct_team_size"`
	TotalTeamSize     int             `json:"total_team_size"`
	MinimumWithdrawal string          `json:"minimum_withdrawal"`
}

func toDashboardDTO(d *query.Dashboard) DashboardDTO {
	return DashboardDTO{
		User:              toUserDTO(d.User),
		Balance:           toBalanceDTO(d.Balance),
		RecentEarnings:    toEarningDTOs(d.RecentEarnings),
		RecentWithdrawals: toWithdrawalDTOs(d.RecentWithdrawals),
		ReferralLink:      d.ReferralLink,
		DirectTeamSize:    d.DirectTeamSize,
		TotalTeamSize:     d.TotalTeamSize,
		MinimumWithdrawal: money(d.MinimumWithdrawal),
	}
}

type AmountsDTO struct {
	Count int    `json:"count"`
	Total string `json:"total"`
}

type AdminStatsDTO struct {
	Users           int                   `json:"users"`
	ActiveUsers     int                   `json:"active_users"`
	UsersByPackage  map[string]int        `json:"users_by_package"`
	Purchases       AmountsDTO            `json:"purchases"`
	PendingEarnings AmountsDTO            `json:"pending_earnings"`
	PaidEarnings    AmountsDTO            `json:"paid_earnings"`
	Withdrawals     map[string]AmountsDTO `json:"withdrawals"`
	Stuck           int                   `json:"stuck_withdrawals"`
}

func toAmountsDTO(a query.Amounts) AmountsDTO {
	return AmountsDTO{Count: a.Count, Total: money(a.Total)}
}

func toAdminStatsDTO(s *query.AdminStats) AdminStatsDTO {
	dto := AdminStatsDTO{
		Users:           s.Users,
		ActiveUsers:     s.ActiveUsers,
		UsersByPackage:  make(map[string]int, len(s.UsersByPackage)),
		Purchases:       toAmountsDTO(s.Purchases),
		PendingEarnings: toAmountsDTO(s.PendingEarnings),
		PaidEarnings:    toAmountsDTO(s.PaidEarnings),
		Withdrawals:     make(map[string]AmountsDTO, len(s.Withdrawals)),
		Stuck:           s.Stuck,
	}
	for pkg, n := range s.UsersByPackage {
		dto.UsersByPackage[string(pkg)] = n
	}
	for status, a := range s.Withdrawals {
		dto.Withdrawals[string(status)] = toAmountsDTO(*a)
	}
	return dto
}

type AncestorsDTO struct {
	UserID    string   `json:"user_id"`
	Ancestors []string `json:"ancestors"` // nearest first
}

type RecomputeDTO struct {
	UserID        string `json:"user_id"`
	TotalEarnings string `json:"total_earnings"`
}

type TokenDTO struct {
	Token string `json:"token"`
}
