package crud

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"github.com/rpattn/crudql/internal/queryobject"
)

// Input is the caller-supplied map of field values. A missing key leaves the
// field untouched; a nil value sets it to null.
type Input map[string]any

// PrimaryKey maps identity field names to their persisted values.
type PrimaryKey map[string]any

// Field is one entry of a model's field-setter table.
type Field[E any] struct {
	name string
	set  func(e *E, value any) error
	load func(e *E, value any) error
	dump func(e *E) (any, error)
	get  func(e *E) any
}

// Name returns the column name.
func (f Field[E]) Name() string { return f.name }

// Column maps a scalar struct field to a column. Pointer fields are
// nullable; non-pointer fields reject null input.
func Column[E, T any](name string, ref func(*E) *T) Field[E] {
	return Field[E]{
		name: name,
		set: func(e *E, value any) error {
			return assignValue(ref(e), value, false)
		},
		load: func(e *E, value any) error {
			return assignValue(ref(e), value, true)
		},
		dump: func(e *E) (any, error) {
			return plainValue(reflect.ValueOf(*ref(e))), nil
		},
		get: func(e *E) any {
			return plainValue(reflect.ValueOf(*ref(e)))
		},
	}
}

// JSONColumn maps a struct field stored as JSON text.
func JSONColumn[E, T any](name string, ref func(*E) *T) Field[E] {
	return Field[E]{
		name: name,
		set: func(e *E, value any) error {
			return assignValue(ref(e), value, false)
		},
		load: func(e *E, value any) error {
			var zero T
			*ref(e) = zero
			var raw []byte
			switch v := value.(type) {
			case nil:
				return nil
			case string:
				raw = []byte(v)
			case []byte:
				raw = v
			default:
				return assignValue(ref(e), value, true)
			}
			return json.Unmarshal(raw, ref(e))
		},
		dump: func(e *E) (any, error) {
			if plainValue(reflect.ValueOf(*ref(e))) == nil {
				return nil, nil
			}
			raw, err := json.Marshal(*ref(e))
			if err != nil {
				return nil, err
			}
			return string(raw), nil
		},
		get: func(e *E) any {
			return plainValue(reflect.ValueOf(*ref(e)))
		},
	}
}

func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
		return true
	}
	return false
}

func assignValue[T any](dst *T, value any, weak bool) error {
	if value == nil {
		if !nullable(reflect.TypeOf(dst).Elem()) {
			return fmt.Errorf("null is not allowed")
		}
		var zero T
		*dst = zero
		return nil
	}
	if v, ok := value.(T); ok {
		*dst = v
		return nil
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: weak,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(value); err != nil {
		return err
	}
	*dst = out
	return nil
}

// plainValue dereferences pointers so dumped values never alias the entity.
func plainValue(v reflect.Value) any {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		if v.IsNil() {
			return nil
		}
	case reflect.Invalid:
		return nil
	}
	return v.Interface()
}

// Relatable is anything that exposes a query table, typically a *Model.
type Relatable interface {
	QueryTable() *queryobject.Table
}

// Model is the static description of an entity type: its table, identity
// fields and the explicit table of settable fields.
type Model[E any] struct {
	name     string
	table    string
	identity []string
	fields   []Field[E]
	byName   map[string]int
	natural  bool
	qtable   *queryobject.Table
}

// NewModel builds a model. It panics on duplicate fields or an identity
// column that is not a field, since models are declared once at init.
func NewModel[E any](name, table string, identity []string, fields ...Field[E]) *Model[E] {
	m := &Model[E]{
		name:   name,
		table:  table,
		fields: fields,
		byName: make(map[string]int, len(fields)),
	}
	columns := make([]string, len(fields))
	for i, f := range fields {
		if _, dup := m.byName[f.name]; dup {
			panic(fmt.Sprintf("crud: duplicate field %q in model %s", f.name, name))
		}
		m.byName[f.name] = i
		columns[i] = f.name
	}
	m.qtable = &queryobject.Table{
		Name:      table,
		Columns:   columns,
		Relations: make(map[string]*queryobject.Relation),
		Decode:    m.decodeColumn,
	}
	return m.WithIdentity(identity...)
}

// WithIdentity overrides the fields that identify one instance.
func (m *Model[E]) WithIdentity(columns ...string) *Model[E] {
	for _, c := range columns {
		if _, ok := m.byName[c]; !ok {
			panic(fmt.Sprintf("crud: identity column %q is not a field of %s", c, m.name))
		}
	}
	m.identity = append([]string(nil), columns...)
	m.qtable.PrimaryKey = m.identity
	return m
}

// NaturalKey marks the identity as caller-supplied: Create then requires
// every identity field in its input.
func (m *Model[E]) NaturalKey() *Model[E] {
	m.natural = true
	return m
}

// HasMany declares a one-to-many relation readable by queries.
func (m *Model[E]) HasMany(name string, target Relatable, localKey, remoteKey string) *Model[E] {
	m.qtable.Relations[name] = &queryobject.Relation{Target: target.QueryTable(), LocalKey: localKey, RemoteKey: remoteKey, Many: true}
	return m
}

// BelongsTo declares a many-to-one relation readable by queries.
func (m *Model[E]) BelongsTo(name string, target Relatable, localKey, remoteKey string) *Model[E] {
	m.qtable.Relations[name] = &queryobject.Relation{Target: target.QueryTable(), LocalKey: localKey, RemoteKey: remoteKey}
	return m
}

func (m *Model[E]) Name() string                   { return m.name }
func (m *Model[E]) QueryTable() *queryobject.Table { return m.qtable }
func (m *Model[E]) TableName() string              { return m.table }
func (m *Model[E]) ColumnNames() []string          { return append([]string(nil), m.qtable.Columns...) }
func (m *Model[E]) IdentityColumns() []string      { return append([]string(nil), m.identity...) }
func (m *Model[E]) New() any                       { return new(E) }

// HasField reports whether name is in the field-setter table.
func (m *Model[E]) HasField(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Assign applies input values through the field-setter table and returns
// the names it set. Unknown keys are rejected before anything is written.
func (m *Model[E]) Assign(e *E, input Input) ([]string, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		if _, ok := m.byName[k]; !ok {
			return nil, &InvalidFieldError{Model: m.name, Field: k, Reason: "unknown field"}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f := m.fields[m.byName[k]]
		if err := f.set(e, input[k]); err != nil {
			return nil, &InvalidFieldError{Model: m.name, Field: k, Reason: err.Error()}
		}
	}
	return keys, nil
}

// Value reads one field of an entity as an API value.
func (m *Model[E]) Value(e *E, name string) (any, bool) {
	i, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.fields[i].get(e), true
}

// Dump returns the column values of an entity.
func (m *Model[E]) Dump(entity any) (map[string]any, error) {
	e, ok := entity.(*E)
	if !ok {
		return nil, fmt.Errorf("crud: %s cannot dump %T", m.name, entity)
	}
	out := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		v, err := f.dump(e)
		if err != nil {
			return nil, fmt.Errorf("failed to dump %s.%s: %w", m.name, f.name, err)
		}
		out[f.name] = v
	}
	return out, nil
}

// Load fills an entity from a database row. Columns the model does not
// know are ignored.
func (m *Model[E]) Load(entity any, row map[string]any) error {
	e, ok := entity.(*E)
	if !ok {
		return fmt.Errorf("crud: %s cannot load into %T", m.name, entity)
	}
	for col, v := range row {
		i, ok := m.byName[col]
		if !ok {
			continue
		}
		if err := m.fields[i].load(e, v); err != nil {
			return fmt.Errorf("failed to load %s.%s: %w", m.name, col, err)
		}
	}
	return nil
}

func (m *Model[E]) decodeColumn(column string, value any) (any, error) {
	i, ok := m.byName[column]
	if !ok || value == nil {
		return value, nil
	}
	var e E
	if err := m.fields[i].load(&e, value); err != nil {
		return nil, err
	}
	return m.fields[i].get(&e), nil
}

// Change is one field that differs between two instances.
type Change struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Diff lists the fields whose values differ, in field-table order.
func (m *Model[E]) Diff(prev, next *E) []Change {
	var changes []Change
	for _, f := range m.fields {
		a, b := f.get(prev), f.get(next)
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, Change{Field: f.name, Old: a, New: b})
		}
	}
	return changes
}

// NormalizeNumbers rewrites json.Number values in decoded JSON: whole
// numbers become int64 and the rest float64, so ids compare equal to stored
// values. Maps and slices are rewritten in place.
func NormalizeNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, err := v.Float64()
		if err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case map[string]any:
		for k, item := range v {
			v[k] = NormalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = NormalizeNumbers(item)
		}
		return v
	}
	return v
}
