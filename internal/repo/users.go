package repo

import (
	"context"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/store"
)

// NewUser is the input of CreateUser.
type NewUser struct {
	Name  string
	Email string
	Phone string
	Role  model.UserRole
}

// UserUpdate changes the non-nil fields of a user.
type UserUpdate struct {
	Name  *string
	Email *string
	Phone *string
	Role  *model.UserRole
}

// CreateUser stores a user under a provisional id and enqueues its create.
func (r *Repo) CreateUser(ctx context.Context, in NewUser) (*model.User, error) {
	now := r.clock.Now()
	u := &model.User{
		ID:        r.newID(),
		Name:      text(in.Name),
		Email:     email(in.Email),
		Phone:     text(in.Phone),
		Role:      in.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u.Role == "" {
		u.Role = model.RoleCustomer
	}
	if err := validateUser(u); err != nil {
		return nil, err
	}
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		return r.save(tx, u, model.OpCreate)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateUser applies up to user id and enqueues an update carrying the
// full new snapshot.
func (r *Repo) UpdateUser(ctx context.Context, id string, up UserUpdate) (*model.User, error) {
	var u *model.User
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		if u, err = tx.GetUser(id); err != nil {
			return err
		}
		if up.Name != nil {
			u.Name = text(*up.Name)
		}
		if up.Email != nil {
			u.Email = email(*up.Email)
		}
		if up.Phone != nil {
			u.Phone = text(*up.Phone)
		}
		if up.Role != nil {
			u.Role = *up.Role
		}
		if err := validateUser(u); err != nil {
			return err
		}
		u.UpdatedAt = r.clock.Now()
		return r.save(tx, u, model.OpUpdate)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteUser deletes a user locally and enqueues its deletion.
func (r *Repo) DeleteUser(ctx context.Context, id string) error {
	return r.Delete(ctx, model.EntityUser, id)
}

func validateUser(u *model.User) error {
	if u.Name == "" {
		return invalid("name", "required")
	}
	if !validEmail(u.Email) {
		return invalid("email", "not an email address")
	}
	switch u.Role {
	case model.RoleCustomer, model.RoleDriver, model.RoleAdmin:
	default:
		return invalid("role", "unknown role "+string(u.Role))
	}
	return nil
}
