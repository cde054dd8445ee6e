package crud

import (
	"context"
	"fmt"
	"sort"
)

type missing struct{}

func (missing) String() string { return "<missing>" }

// Missing stands in for a declared custom field key the input did not
// carry. It is distinct from nil, which is an explicit null.
var Missing any = missing{}

// CustomFieldCall is what a custom field handler receives. Values has an
// entry for every declared key. Prev is nil on create.
type CustomFieldCall[E any] struct {
	Session Session
	New     *E
	Prev    *E
	Values  map[string]any
}

// Provided reports whether the input carried key.
func (c CustomFieldCall[E]) Provided(key string) bool {
	v, ok := c.Values[key]
	return ok && v != Missing
}

// CustomFieldFunc saves input keys that are not plain columns.
type CustomFieldFunc[E any] func(ctx context.Context, call CustomFieldCall[E]) error

// CustomField binds a handler to the input keys it owns.
type CustomField[E any] struct {
	keys []string
	fn   CustomFieldFunc[E]
}

// SavesCustomFields declares that fn handles keys. The keys are removed from
// the input before field assignment, and fn runs once per mutation whose
// input carries at least one of them.
func SavesCustomFields[E any](fn CustomFieldFunc[E], keys ...string) CustomField[E] {
	return CustomField[E]{keys: append([]string(nil), keys...), fn: fn}
}

type dispatcher[E any] struct {
	fields []CustomField[E]
	owner  map[string]int
}

type pendingCall[E any] struct {
	field  CustomField[E]
	values map[string]any
}

func newDispatcher[E any](fields []CustomField[E]) (*dispatcher[E], error) {
	d := &dispatcher[E]{fields: fields, owner: make(map[string]int)}
	for i, f := range fields {
		for _, k := range f.keys {
			if _, taken := d.owner[k]; taken {
				return nil, fmt.Errorf("%w: %q", ErrOverlappingCustomFields, k)
			}
			d.owner[k] = i
		}
	}
	return d, nil
}

// split returns a copy of input without custom keys, and the handler calls
// the custom keys trigger.
func (d *dispatcher[E]) split(input Input) (Input, []pendingCall[E]) {
	plain := make(Input, len(input))
	triggered := make(map[int]bool)
	for k, v := range input {
		if i, ok := d.owner[k]; ok {
			triggered[i] = true
			continue
		}
		plain[k] = v
	}

	indexes := make([]int, 0, len(triggered))
	for i := range triggered {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]pendingCall[E], 0, len(indexes))
	for _, i := range indexes {
		f := d.fields[i]
		values := make(map[string]any, len(f.keys))
		for _, k := range f.keys {
			if v, ok := input[k]; ok {
				values[k] = v
			} else {
				values[k] = Missing
			}
		}
		calls = append(calls, pendingCall[E]{field: f, values: values})
	}
	return plain, calls
}

func (d *dispatcher[E]) run(ctx context.Context, sess Session, calls []pendingCall[E], newer, prev *E) error {
	for _, c := range calls {
		err := c.field.fn(ctx, CustomFieldCall[E]{Session: sess, New: newer, Prev: prev, Values: c.values})
		if err != nil {
			return err
		}
	}
	return nil
}
