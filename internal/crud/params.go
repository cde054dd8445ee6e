package crud

import (
	"fmt"
	"strings"

	"github.com/rpattn/crudql/internal/sqlexpr"
)

// Params supplies the predicates that scope a CRUD handler. Filter limits
// every listing and count, FilterOne narrows that to the single instance
// that get, update and delete act on.
type Params interface {
	Filter() []sqlexpr.Predicate
	FilterOne() []sqlexpr.Predicate
}

// IdentityLoader is implemented by params that can take their identity from
// an input dictionary, as Update and CreateOrUpdate require.
type IdentityLoader interface {
	LoadIdentity(input Input) error
}

// Key holds identity values for params structs to embed.
type Key struct {
	columns []string
	values  []any
	set     bool
}

// NewKey returns an empty key over the identity columns.
func NewKey(columns ...string) *Key {
	return &Key{columns: append([]string(nil), columns...)}
}

// Set stores identity values in column order.
func (k *Key) Set(values ...any) *Key {
	if len(values) != len(k.columns) {
		panic(fmt.Sprintf("crud: key over %v needs %d values, got %d", k.columns, len(k.columns), len(values)))
	}
	k.values = append([]any(nil), values...)
	k.set = true
	return k
}

// IsSet reports whether identity values are present.
func (k *Key) IsSet() bool {
	return k != nil && k.set
}

// Predicates matches the identity, or nothing is added when unset.
func (k *Key) Predicates() []sqlexpr.Predicate {
	if !k.IsSet() {
		return nil
	}
	preds := make([]sqlexpr.Predicate, len(k.columns))
	for i, c := range k.columns {
		preds[i] = sqlexpr.Eq(c, k.values[i])
	}
	return preds
}

// LoadIdentity reads every identity column from input.
func (k *Key) LoadIdentity(input Input) error {
	values := make([]any, len(k.columns))
	var missing []string
	for i, c := range k.columns {
		v, ok := input[c]
		if !ok || v == nil {
			missing = append(missing, c)
			continue
		}
		values[i] = v
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteIdentity, strings.Join(missing, ", "))
	}
	k.Set(values...)
	return nil
}

// Predicates turns a primary key into equality predicates.
func (pk PrimaryKey) Predicates(columns []string) []sqlexpr.Predicate {
	preds := make([]sqlexpr.Predicate, 0, len(columns))
	for _, c := range columns {
		preds = append(preds, sqlexpr.Eq(c, pk[c]))
	}
	return preds
}

// Unscoped params apply no filter beyond an optional identity key.
type Unscoped struct {
	*Key
}

func (Unscoped) Filter() []sqlexpr.Predicate      { return nil }
func (p Unscoped) FilterOne() []sqlexpr.Predicate { return p.Key.Predicates() }
