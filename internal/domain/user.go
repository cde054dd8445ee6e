package domain

import (
	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// User is an account. Login is unique when set.
type User struct {
	ID      int64
	IsAdmin bool
	Login   *string
	Name    *string
	Tags    []string
}

// UserModel is the field-setter table of users.
var UserModel = crud.NewModel("User", "users", []string{"id"},
	crud.Column("id", func(u *User) *int64 { return &u.ID }),
	crud.Column("is_admin", func(u *User) *bool { return &u.IsAdmin }),
	crud.Column("login", func(u *User) **string { return &u.Login }),
	crud.Column("name", func(u *User) **string { return &u.Name }),
	crud.JSONColumn("tags", func(u *User) *[]string { return &u.Tags }),
)

// UserParams scopes user handlers to what the principal may see:
// non-admins never see admin users.
type UserParams struct {
	*crud.Key
	Principal auth.Principal
}

// NewUserParams returns params with no identity selected.
func NewUserParams(p auth.Principal) *UserParams {
	return &UserParams{Key: crud.NewKey(UserModel.IdentityColumns()...), Principal: p}
}

// WithID selects one user.
func (p *UserParams) WithID(id int64) *UserParams {
	p.Set(id)
	return p
}

func (p *UserParams) Filter() []sqlexpr.Predicate {
	if p.Principal.IsAdmin() {
		return nil
	}
	return []sqlexpr.Predicate{sqlexpr.Eq("is_admin", false)}
}

func (p *UserParams) FilterOne() []sqlexpr.Predicate {
	return append(p.Filter(), p.Key.Predicates()...)
}
