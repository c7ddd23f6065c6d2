package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/ledger"
)

// codeAttempts bounds retries when a generated referral code collides.
const codeAttempts = 5

// Directory creates and looks up affiliate accounts.
type Directory struct {
	ledger *ledger.Ledger
	graph  *Graph
	log    *zap.Logger
}

func NewDirectory(l *ledger.Ledger, g *Graph) *Directory {
	return &Directory{ledger: l, graph: g, log: l.Logger().Named("directory")}
}

// Registration describes a new account. ID is generated when empty.
type Registration struct {
	ID           ledger.UserID
	ReferralCode string // code of the user who referred this one, optional
	Role         ledger.Role
}

// Register creates a user and, when a referral code is given, links it under
// the code's owner in the same transaction. An unknown or malformed code
// fails before anything is written.
func (d *Directory) Register(ctx context.Context, reg Registration) (*ledger.User, error) {
	var referrer *ledger.User
	if reg.ReferralCode != "" {
		owner, err := d.ByCode(ctx, reg.ReferralCode)
		if err != nil {
			return nil, err
		}
		referrer = owner
	}

	role := reg.Role
	if role == "" {
		role = ledger.RoleUser
	}
	if role != ledger.RoleUser && role != ledger.RoleAdmin {
		return nil, &ledger.InputError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	id := reg.ID
	if id == "" {
		id = ledger.UserID(uuid.NewString())
	}

	user := ledger.User{
		ID:            id,
		Package:       ledger.PackageNone,
		TotalEarnings: ledger.MustMoney("0"),
		Role:          role,
		Active:        true,
		CreatedAt:     d.ledger.Now(),
	}

	if _, err := d.ledger.Store().GetUser(ctx, id); err == nil {
		return nil, &ledger.InputError{Field: "id", Reason: "user already exists"}
	}

	// The user row and its referral edge commit together. A generated code
	// that collides rolls both back and is retried with a fresh code.
	var err error
	for i := 0; i < codeAttempts; i++ {
		user.ReferralCode = NewCode()
		err = d.create(ctx, user, referrer)
		if !errors.Is(err, ledger.ErrDuplicateKey) {
			break
		}
		if _, getErr := d.ledger.Store().GetUser(ctx, id); getErr == nil {
			return nil, &ledger.InputError{Field: "id", Reason: "user already exists"}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if referrer != nil {
		user.ReferrerID = &referrer.ID
	}

	d.log.Info("user registered",
		zap.String("user", string(user.ID)),
		zap.Bool("referred", referrer != nil))
	return &user, nil
}

func (d *Directory) create(ctx context.Context, user ledger.User, referrer *ledger.User) error {
	insert := func(s ledger.Store) error { return s.CreateUser(ctx, user) }
	if referrer == nil {
		return d.ledger.Mutate(ctx, []ledger.UserID{user.ID}, insert)
	}
	return d.graph.attach(ctx, user.ID, referrer.ID, insert)
}

// ByCode resolves a referral code to its owner.
func (d *Directory) ByCode(ctx context.Context, code string) (*ledger.User, error) {
	if !ValidCode(code) {
		return nil, &ledger.InputError{Field: "referral_code", Reason: "malformed or bad check digit"}
	}
	u, err := d.ledger.Store().GetUserByReferralCode(ctx, code)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, &ledger.InputError{Field: "referral_code", Reason: "unknown code"}
	}
	return u, err
}

// User returns a user by id.
func (d *Directory) User(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	return d.ledger.Store().GetUser(ctx, id)
}

// SetActive deactivates or reactivates an account. Users are never deleted.
func (d *Directory) SetActive(ctx context.Context, id ledger.UserID, active bool) (*ledger.User, error) {
	err := d.ledger.Mutate(ctx, []ledger.UserID{id}, func(s ledger.Store) error {
		return s.SetUserActive(ctx, id, active)
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("user active flag changed", zap.String("user", string(id)), zap.Bool("active", active))
	return d.User(ctx, id)
}
