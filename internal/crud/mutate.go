package crud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mutate creates, updates and deletes instances of one model within a
// session, scoped by Params.
type Mutate[E any] struct {
	params   Params
	settings *Settings[E]
	store    boundary[E]
}

// NewMutate binds the mutation component to a session and params.
func NewMutate[E any](sess Session, params Params, settings *Settings[E]) (*Mutate[E], error) {
	if err := settings.init(); err != nil {
		return nil, err
	}
	return &Mutate[E]{
		params:   params,
		settings: settings,
		store:    boundary[E]{sess: sess, model: settings.Model},
	}, nil
}

// Create instantiates a new instance from input, flushes it and returns
// its primary key.
func (m *Mutate[E]) Create(ctx context.Context, input Input) (pk PrimaryKey, err error) {
	defer func(start time.Time) { m.settings.observe("create", start, err) }(time.Now())
	return m.create(ctx, input)
}

// Update loads the identity from input into the params, then behaves as
// UpdateID.
func (m *Mutate[E]) Update(ctx context.Context, input Input) (pk PrimaryKey, err error) {
	defer func(start time.Time) { m.settings.observe("update", start, err) }(time.Now())
	return m.update(ctx, input)
}

// UpdateID modifies the single instance selected by the params.
func (m *Mutate[E]) UpdateID(ctx context.Context, input Input) (pk PrimaryKey, err error) {
	defer func(start time.Time) { m.settings.observe("update_id", start, err) }(time.Now())
	return m.updateID(ctx, input)
}

// Delete removes the single instance selected by the params and returns the
// key it had.
func (m *Mutate[E]) Delete(ctx context.Context) (pk PrimaryKey, err error) {
	defer func(start time.Time) { m.settings.observe("delete", start, err) }(time.Now())
	return m.delete(ctx)
}

// CreateOrUpdate updates when input carries every identity key and creates
// when it carries none of them. Only key presence counts, so a null
// identity value routes to update and fails there. A partial composite
// identity is an error.
func (m *Mutate[E]) CreateOrUpdate(ctx context.Context, input Input) (pk PrimaryKey, err error) {
	defer func(start time.Time) { m.settings.observe("create_or_update", start, err) }(time.Now())

	identity := m.settings.Model.IdentityColumns()
	var present []string
	for _, c := range identity {
		if _, ok := input[c]; ok {
			present = append(present, c)
		}
	}
	switch len(present) {
	case 0:
		return m.create(ctx, input)
	case len(identity):
		return m.update(ctx, input)
	}
	return nil, fmt.Errorf("%w: got %v of %v", ErrIncompleteIdentity, present, identity)
}

func (m *Mutate[E]) create(ctx context.Context, input Input) (PrimaryKey, error) {
	model := m.settings.Model
	plain, calls := m.settings.dispatch.split(input)
	if model.natural {
		for _, c := range model.IdentityColumns() {
			if v, ok := plain[c]; !ok || v == nil {
				return nil, fmt.Errorf("%w: missing %s", ErrIncompleteIdentity, c)
			}
		}
	}

	e := new(E)
	touched, err := model.Assign(e, plain)
	if err != nil {
		return nil, err
	}
	if err := m.presave(ctx, Created[E]{New: e}); err != nil {
		return nil, err
	}
	if err := m.store.registerNew(ctx, e, touched); err != nil {
		return nil, err
	}
	if err := m.saveCustomFields(ctx, calls, e, nil); err != nil {
		return nil, err
	}
	return m.store.primaryKey(e), nil
}

func (m *Mutate[E]) update(ctx context.Context, input Input) (PrimaryKey, error) {
	loader, ok := m.params.(IdentityLoader)
	if !ok {
		return nil, fmt.Errorf("crud: %T cannot load identity from input", m.params)
	}
	if err := loader.LoadIdentity(input); err != nil {
		return nil, err
	}
	return m.updateID(ctx, input)
}

func (m *Mutate[E]) updateID(ctx context.Context, input Input) (PrimaryKey, error) {
	plain, calls := m.settings.dispatch.split(input)

	e, err := m.find(ctx)
	if err != nil {
		return nil, err
	}
	prev := m.settings.snapshot(e)

	if _, err := m.settings.Model.Assign(e, plain); err != nil {
		return nil, err
	}
	if err := m.presave(ctx, Updated[E]{New: e, Prev: prev}); err != nil {
		return nil, err
	}
	if err := m.store.persistChanges(ctx); err != nil {
		return nil, err
	}
	if err := m.saveCustomFields(ctx, calls, e, prev); err != nil {
		return nil, err
	}
	return m.store.primaryKey(e), nil
}

func (m *Mutate[E]) delete(ctx context.Context) (PrimaryKey, error) {
	e, err := m.find(ctx)
	if err != nil {
		return nil, err
	}
	pk := m.store.primaryKey(e)

	if err := m.presave(ctx, Deleted[E]{Prev: e}); err != nil {
		return nil, err
	}
	if err := m.store.remove(ctx, e); err != nil {
		return nil, err
	}
	return pk, nil
}

// find loads the one instance FilterOne selects.
func (m *Mutate[E]) find(ctx context.Context) (*E, error) {
	model := m.settings.Model
	found, err := m.store.sess.Find(ctx, model, m.params.FilterOne(), 2)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, &NotFoundError{Model: model.Name()}
	case 1:
		e, ok := found[0].(*E)
		if !ok {
			return nil, errors.New("crud: session returned a foreign entity type")
		}
		return e, nil
	}
	return nil, &MultipleMatchesError{Model: model.Name()}
}

func (m *Mutate[E]) presave(ctx context.Context, ev Event[E]) error {
	for _, hook := range m.settings.Presave {
		if err := hook(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// saveCustomFields runs the triggered handlers once the instance has its
// identity, then flushes whatever they staged.
func (m *Mutate[E]) saveCustomFields(ctx context.Context, calls []pendingCall[E], e, prev *E) error {
	if len(calls) == 0 {
		return nil
	}
	if err := m.settings.dispatch.run(ctx, m.store.sess, calls, e, prev); err != nil {
		return err
	}
	return m.store.persistChanges(ctx)
}
