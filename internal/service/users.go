// Package service configures the CRUD resources: their settings, pre-save
// hooks and custom field handlers.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/rpattn/crudql/internal/auth"
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// ErrForbidden is returned when the principal may not make a change.
var ErrForbidden = errors.New("forbidden")

// Users holds the user resource configuration.
type Users struct {
	Settings *crud.Settings[domain.User]
}

// NewUsers configures users: login normalization, admin flag protection,
// change auditing and the articles/new_articles custom fields.
func NewUsers(observer crud.Observer, logger *slog.Logger) *Users {
	if logger == nil {
		logger = slog.Default()
	}
	return &Users{Settings: &crud.Settings[domain.User]{
		Model:    domain.UserModel,
		Snapshot: crud.DeepSnapshot[domain.User],
		Presave: []crud.PresaveHook[domain.User]{
			NormalizeLogin,
			GuardAdminFlag,
			AuditUserChanges(logger),
		},
		CustomFields: []crud.CustomField[domain.User]{
			crud.SavesCustomFields(SaveArticles, "articles", "new_articles"),
		},
		Observer: observer,
		Logger:   logger,
	}}
}

// Handler builds a user handler for one request.
func (u *Users) Handler(sess crud.Session, params *domain.UserParams, obj *queryobject.QueryObject) (*crud.Handler[domain.User], error) {
	return crud.NewHandler(sess, params, u.Settings, obj)
}

// NormalizeLogin trims and lowercases logins; a blank login becomes null.
func NormalizeLogin(_ context.Context, ev crud.Event[domain.User]) error {
	var u *domain.User
	switch ev := ev.(type) {
	case crud.Created[domain.User]:
		u = ev.New
	case crud.Updated[domain.User]:
		u = ev.New
	default:
		return nil
	}
	if u.Login == nil {
		return nil
	}
	login := strings.ToLower(strings.TrimSpace(*u.Login))
	if login == "" {
		u.Login = nil
		return nil
	}
	u.Login = &login
	return nil
}

// GuardAdminFlag lets only admins grant or revoke the admin flag.
func GuardAdminFlag(ctx context.Context, ev crud.Event[domain.User]) error {
	p, _ := auth.PrincipalFromContext(ctx)
	if p.IsAdmin() {
		return nil
	}
	switch ev := ev.(type) {
	case crud.Created[domain.User]:
		if ev.New.IsAdmin {
			return ErrForbidden
		}
	case crud.Updated[domain.User]:
		if ev.New.IsAdmin != ev.Prev.IsAdmin {
			return ErrForbidden
		}
	}
	return nil
}

// AuditUserChanges logs what every mutation changes.
func AuditUserChanges(logger *slog.Logger) crud.PresaveHook[domain.User] {
	return func(ctx context.Context, ev crud.Event[domain.User]) error {
		p, _ := auth.PrincipalFromContext(ctx)
		switch ev := ev.(type) {
		case crud.Created[domain.User]:
			logger.InfoContext(ctx, "user created", "by", p.UserID, "login", ev.New.Login)
		case crud.Updated[domain.User]:
			if changes := domain.UserModel.Diff(ev.Prev, ev.New); len(changes) > 0 {
				logger.InfoContext(ctx, "user updated", "by", p.UserID, "id", ev.Prev.ID, "changes", changes)
			}
		case crud.Deleted[domain.User]:
			logger.InfoContext(ctx, "user deleted", "by", p.UserID, "id", ev.Prev.ID)
		}
		return nil
	}
}

// SaveArticles handles two input keys: "articles" replaces the user's
// articles, "new_articles" appends to them. Each is a list of article
// objects without user_id.
func SaveArticles(ctx context.Context, call crud.CustomFieldCall[domain.User]) error {
	if call.Provided("articles") {
		if call.Prev != nil {
			existing, err := call.Session.Find(ctx, domain.ArticleModel, []sqlexpr.Predicate{sqlexpr.Eq("user_id", call.New.ID)}, 0)
			if err != nil {
				return err
			}
			for _, a := range existing {
				if err := call.Session.Delete(a); err != nil {
					return err
				}
			}
		}
		if err := addArticles(call, "articles"); err != nil {
			return err
		}
	}
	if call.Provided("new_articles") {
		return addArticles(call, "new_articles")
	}
	return nil
}

func addArticles(call crud.CustomFieldCall[domain.User], key string) error {
	value := call.Values[key]
	if value == nil {
		return nil
	}
	items, ok := value.([]any)
	if !ok {
		return &crud.InvalidFieldError{Model: domain.UserModel.Name(), Field: key, Reason: "expected a list of articles"}
	}
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return &crud.InvalidFieldError{Model: domain.UserModel.Name(), Field: key, Reason: "expected article objects"}
		}
		if _, ok := fields["user_id"]; ok {
			return &crud.InvalidFieldError{Model: domain.ArticleModel.Name(), Field: "user_id", Reason: "set by the owning user"}
		}
		a := &domain.Article{}
		touched, err := domain.ArticleModel.Assign(a, fields)
		if err != nil {
			return err
		}
		a.Slug = Slugify(a.Slug)
		a.UserID = call.New.ID
		if err := call.Session.Add(domain.ArticleModel, a, append(touched, "user_id")...); err != nil {
			return err
		}
	}
	return nil
}
