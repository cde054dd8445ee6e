package crud

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Observer receives the outcome of every CRUD operation.
type Observer interface {
	ObserveOperation(model, op string, elapsed time.Duration, err error)
}

// Settings is the static, per-resource configuration shared by every
// handler instance of that resource.
type Settings[E any] struct {
	Model *Model[E]
	// Snapshot copies the instance for Updated.Prev. Defaults to
	// ShallowSnapshot; use DeepSnapshot when hooks compare nested values.
	Snapshot SnapshotFunc[E]
	// Presave hooks run in order, once per mutation.
	Presave      []PresaveHook[E]
	CustomFields []CustomField[E]
	// NestedFilters scopes joined relations, keyed by dotted relation path
	// ("articles", "articles.author"). Levels without an entry are read
	// unfiltered.
	NestedFilters map[string]func() []sqlexpr.Predicate
	Observer      Observer
	Logger        *slog.Logger

	once     sync.Once
	dispatch *dispatcher[E]
	err      error
}

func (s *Settings[E]) init() error {
	s.once.Do(func() {
		s.dispatch, s.err = newDispatcher(s.CustomFields)
	})
	return s.err
}

func (s *Settings[E]) snapshot(e *E) *E {
	if s.Snapshot == nil {
		return ShallowSnapshot(e)
	}
	return s.Snapshot(e)
}

func (s *Settings[E]) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Settings[E]) observe(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.logger().Debug("crud operation", "model", s.Model.Name(), "op", op, "elapsed", elapsed, "error", err)
	if s.Observer != nil {
		s.Observer.ObserveOperation(s.Model.Name(), op, elapsed, err)
	}
}

func (s *Settings[E]) nestedFilter(path []string) func() []sqlexpr.Predicate {
	if len(s.NestedFilters) == 0 {
		return nil
	}
	return s.NestedFilters[strings.Join(path, ".")]
}
