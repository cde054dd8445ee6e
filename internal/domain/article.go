package domain

import (
	"github.com/rpattn/crudql/internal/crud"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Article belongs to a user; slugs are unique per user.
type Article struct {
	ID     int64
	UserID int64
	Slug   string
	Text   *string
}

var ArticleModel = crud.NewModel("Article", "articles", []string{"id"},
	crud.Column("id", func(a *Article) *int64 { return &a.ID }),
	crud.Column("user_id", func(a *Article) *int64 { return &a.UserID }),
	crud.Column("slug", func(a *Article) *string { return &a.Slug }),
	crud.Column("text", func(a *Article) **string { return &a.Text }),
)

func init() {
	UserModel.HasMany("articles", ArticleModel, "id", "user_id")
	ArticleModel.BelongsTo("author", UserModel, "user_id", "id")
}

// ArticleParams optionally narrows articles to one author.
type ArticleParams struct {
	*crud.Key
	UserID *int64
}

func NewArticleParams() *ArticleParams {
	return &ArticleParams{Key: crud.NewKey(ArticleModel.IdentityColumns()...)}
}

func (p *ArticleParams) Filter() []sqlexpr.Predicate {
	if p.UserID == nil {
		return nil
	}
	return []sqlexpr.Predicate{sqlexpr.Eq("user_id", *p.UserID)}
}

func (p *ArticleParams) FilterOne() []sqlexpr.Predicate {
	return append(p.Filter(), p.Key.Predicates()...)
}
