package service

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/domain"
	"github.com/rpattn/crudql/internal/queryobject"
)

// Articles holds the article resource configuration.
type Articles struct {
	Settings *crud.Settings[domain.Article]
}

// NewArticles configures articles with slug normalization.
func NewArticles(observer crud.Observer, logger *slog.Logger) *Articles {
	return &Articles{Settings: &crud.Settings[domain.Article]{
		Model:    domain.ArticleModel,
		Presave:  []crud.PresaveHook[domain.Article]{NormalizeSlug},
		Observer: observer,
		Logger:   logger,
	}}
}

// Handler builds an article handler for one request.
func (a *Articles) Handler(sess crud.Session, params *domain.ArticleParams, obj *queryobject.QueryObject) (*crud.Handler[domain.Article], error) {
	return crud.NewHandler(sess, params, a.Settings, obj)
}

// NormalizeSlug rewrites slugs into lowercase dash-separated words.
func NormalizeSlug(_ context.Context, ev crud.Event[domain.Article]) error {
	switch ev := ev.(type) {
	case crud.Created[domain.Article]:
		ev.New.Slug = Slugify(ev.New.Slug)
	case crud.Updated[domain.Article]:
		ev.New.Slug = Slugify(ev.New.Slug)
	}
	return nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases value and joins its alphanumeric runs with dashes.
func Slugify(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = slugPattern.ReplaceAllString(value, "-")
	return strings.Trim(value, "-")
}
