package crud

import (
	"context"

	"github.com/rpattn/crudql/internal/queryobject"
	"github.com/rpattn/crudql/internal/session"
	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Session is the unit of work the handlers run in. *session.Session
// satisfies it. Commit and rollback stay with the caller.
type Session interface {
	queryobject.Conn
	Add(m session.Mapping, entity any, touched ...string) error
	Delete(entity any) error
	Refresh(ctx context.Context, entity any) error
	Flush(ctx context.Context) error
	Find(ctx context.Context, m session.Mapping, where []sqlexpr.Predicate, limit int) ([]any, error)
	Identity(entity any) ([]any, bool)
}

// boundary is the only place mutations touch the session.
type boundary[E any] struct {
	sess  Session
	model *Model[E]
}

// registerNew adds and flushes so the identity is known right away.
func (b boundary[E]) registerNew(ctx context.Context, e *E, touched []string) error {
	if err := b.sess.Add(b.model, e, touched...); err != nil {
		return err
	}
	return b.sess.Flush(ctx)
}

func (b boundary[E]) persistChanges(ctx context.Context) error {
	return b.sess.Flush(ctx)
}

// remove refreshes every column of the instance, then deletes and flushes.
func (b boundary[E]) remove(ctx context.Context, e *E) error {
	if err := b.sess.Refresh(ctx, e); err != nil {
		return err
	}
	if err := b.sess.Delete(e); err != nil {
		return err
	}
	return b.sess.Flush(ctx)
}

// primaryKey reads the persisted identity of a flushed instance.
func (b boundary[E]) primaryKey(e *E) PrimaryKey {
	ids, ok := b.sess.Identity(e)
	if !ok {
		return nil
	}
	pk := make(PrimaryKey, len(ids))
	for i, c := range b.model.IdentityColumns() {
		pk[c] = ids[i]
	}
	return pk
}
