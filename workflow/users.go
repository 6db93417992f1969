package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Profile is what the identity provider knows about a caller.
type Profile struct {
	ID           UserID
	Name         string
	Email        string
	Mobile       string
	ProfileImage string
}

// UserDirectory manages the ledger side of user accounts: provisioning,
// roles and balance edits. Credentials live with the identity provider.
type UserDirectory struct {
	Store UserStore
	Log   logrus.FieldLogger
	Now   func() time.Time
}

func NewUserDirectory(store UserStore, log logrus.FieldLogger) *UserDirectory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &UserDirectory{Store: store, Log: log.WithField("component", "users"), Now: time.Now}
}

// Ensure returns the stored user for p, creating it on first sight. The
// first user ever created becomes admin.
func (d *UserDirectory) Ensure(ctx context.Context, p Profile) (*User, error) {
	if isBlank(string(p.ID)) {
		return nil, invalid("userId", "must not be empty")
	}
	existing, err := d.Store.GetUser(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = string(p.ID)
	}
	u, err := d.Store.InsertUser(ctx, User{
		ID:               p.ID,
		Name:             name,
		Email:            strings.ToLower(strings.TrimSpace(p.Email)),
		Mobile:           strings.TrimSpace(p.Mobile),
		ProfileImage:     p.ProfileImage,
		Role:             RoleUser,
		PaidLeaveBalance: decimal.Zero,
		CreatedAt:        d.now(),
	})
	if err != nil {
		return nil, err
	}
	d.Log.WithField("user", u.ID).WithField("role", u.Role).Info("user provisioned")
	return &u, nil
}

// Get returns a user or a NotFoundError.
func (d *UserDirectory) Get(ctx context.Context, id UserID) (*User, error) {
	u, err := d.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, &NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, nil
}

// List returns every user, newest first. Admin only.
func (d *UserDirectory) List(ctx context.Context, actor Identity) ([]User, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin access required", ErrForbidden)
	}
	users, err := d.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []User{}
	}
	return users, nil
}

// SetRole changes a user's role. Admin only.
func (d *UserDirectory) SetRole(ctx context.Context, actor Identity, id UserID, role Role) (*User, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin access required", ErrForbidden)
	}
	if !role.Valid() {
		return nil, invalid("role", fmt.Sprintf("unknown role %q", role))
	}
	u, err := d.Store.UpdateRole(ctx, id, role)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, &NotFoundError{Kind: "user", ID: string(id)}
	}
	d.Log.WithFields(logrus.Fields{"user": id, "role": role, "by": actor.UserID}).Info("role updated")
	return u, nil
}

// SetBalance overwrites a user's paid leave balance. Admin only.
func (d *UserDirectory) SetBalance(ctx context.Context, actor Identity, id UserID, balance decimal.Decimal) (*User, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin access required", ErrForbidden)
	}
	if balance.IsNegative() {
		return nil, invalid("paidLeaveBalance", "must not be negative")
	}
	u, err := d.Store.SetBalance(ctx, id, balance)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, &NotFoundError{Kind: "user", ID: string(id)}
	}
	d.Log.WithFields(logrus.Fields{"user": id, "balance": balance.String(), "by": actor.UserID}).Info("balance set")
	return u, nil
}

// InitBalances sets every user's balance to def, or to the override keyed
// by the user's email or mobile. Every value is checked before anything is
// written, and all balances are written in one store transaction. It
// returns how many users were updated.
func (d *UserDirectory) InitBalances(ctx context.Context, def decimal.Decimal, overrides map[string]decimal.Decimal) (int, error) {
	if def.IsNegative() {
		return 0, invalid("default", "must not be negative")
	}
	for key, v := range overrides {
		if v.IsNegative() {
			return 0, invalid("balance", fmt.Sprintf("override for %s is negative", key))
		}
	}

	users, err := d.Store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	plan := make(map[UserID]decimal.Decimal, len(users))
	for _, u := range users {
		balance := def
		if v, ok := overrides[u.Email]; ok && u.Email != "" {
			balance = v
		} else if v, ok := overrides[u.Mobile]; ok && u.Mobile != "" {
			balance = v
		}
		plan[u.ID] = balance
	}

	updated, err := d.Store.SetBalances(ctx, plan)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		d.Log.WithFields(logrus.Fields{"user": u.ID, "name": u.Name, "balance": plan[u.ID].String()}).Info("balance initialised")
	}
	return updated, nil
}

func (d *UserDirectory) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}
