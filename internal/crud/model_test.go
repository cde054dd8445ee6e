package crud_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/crudql/internal/crud"
)

type gadget struct {
	ID     int64
	Label  string
	Note   *string
	Weight float64
	Parts  []string
	Attrs  map[string]int
}

var gadgetModel = crud.NewModel("Gadget", "gadgets", []string{"id"},
	crud.Column("id", func(g *gadget) *int64 { return &g.ID }),
	crud.Column("label", func(g *gadget) *string { return &g.Label }),
	crud.Column("note", func(g *gadget) **string { return &g.Note }),
	crud.Column("weight", func(g *gadget) *float64 { return &g.Weight }),
	crud.JSONColumn("parts", func(g *gadget) *[]string { return &g.Parts }),
	crud.JSONColumn("attrs", func(g *gadget) *map[string]int { return &g.Attrs }),
)

func TestAssignReturnsTouchedFieldsSorted(t *testing.T) {
	g := &gadget{}
	touched, err := gadgetModel.Assign(g, crud.Input{"weight": 2, "label": "bolt", "note": "m4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"label", "note", "weight"}, touched)
	assert.Equal(t, "bolt", g.Label)
	assert.Equal(t, "m4", *g.Note)
	assert.Equal(t, 2.0, g.Weight)
}

func TestAssignRejectsUnknownKeysBeforeWriting(t *testing.T) {
	g := &gadget{Label: "keep"}
	_, err := gadgetModel.Assign(g, crud.Input{"label": "lost", "colour": "red"})

	var invalid *crud.InvalidFieldError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "colour", invalid.Field)
	assert.Equal(t, "keep", g.Label)
}

func TestAssignNulls(t *testing.T) {
	g := &gadget{Note: new(string), Parts: []string{"a"}}
	_, err := gadgetModel.Assign(g, crud.Input{"note": nil, "parts": nil})
	require.NoError(t, err)
	assert.Nil(t, g.Note)
	assert.Nil(t, g.Parts)

	_, err = gadgetModel.Assign(g, crud.Input{"label": nil})
	assert.ErrorIs(t, err, crud.ErrInvalidField)
}

func TestAssignConvertsCollections(t *testing.T) {
	g := &gadget{}
	_, err := gadgetModel.Assign(g, crud.Input{
		"parts": []any{"nut", "washer"},
		"attrs": map[string]any{"m": 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"nut", "washer"}, g.Parts)
	assert.Equal(t, map[string]int{"m": 4}, g.Attrs)
}

func TestDumpAndLoad(t *testing.T) {
	note := "m4"
	g := &gadget{ID: 3, Label: "bolt", Note: &note, Parts: []string{"nut"}}

	row, err := gadgetModel.Dump(g)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id": int64(3), "label": "bolt", "note": "m4", "weight": 0.0,
		"parts": `["nut"]`, "attrs": nil,
	}, row)

	loaded := &gadget{}
	row["weight"] = "1.5"
	require.NoError(t, gadgetModel.Load(loaded, row))
	assert.Equal(t, 1.5, loaded.Weight)
	assert.Equal(t, []string{"nut"}, loaded.Parts)
	assert.Equal(t, "m4", *loaded.Note)

	assert.Error(t, gadgetModel.Load(&struct{}{}, row))
}

func TestDiff(t *testing.T) {
	prev := &gadget{ID: 1, Label: "bolt", Parts: []string{"nut"}}
	next := crud.DeepSnapshot(prev)
	next.Label = "screw"
	next.Parts = append(next.Parts, "washer")

	assert.Equal(t, []crud.Change{
		{Field: "label", Old: "bolt", New: "screw"},
		{Field: "parts", Old: []string{"nut"}, New: []string{"nut", "washer"}},
	}, gadgetModel.Diff(prev, next))
	assert.Empty(t, gadgetModel.Diff(prev, prev))
}

func TestModelDeclarationPanics(t *testing.T) {
	assert.Panics(t, func() {
		crud.NewModel("Bad", "bad", []string{"missing"},
			crud.Column("id", func(g *gadget) *int64 { return &g.ID }))
	})
	assert.Panics(t, func() {
		crud.NewModel("Bad", "bad", []string{"id"},
			crud.Column("id", func(g *gadget) *int64 { return &g.ID }),
			crud.Column("id", func(g *gadget) *int64 { return &g.ID }))
	})
}

func TestKeyLoadIdentity(t *testing.T) {
	k := crud.NewKey("user_id", "slug")
	assert.False(t, k.IsSet())
	assert.Empty(t, k.Predicates())

	err := k.LoadIdentity(crud.Input{"user_id": 1, "slug": nil})
	assert.ErrorIs(t, err, crud.ErrIncompleteIdentity)
	assert.False(t, k.IsSet())

	require.NoError(t, k.LoadIdentity(crud.Input{"user_id": 1, "slug": "a"}))
	assert.True(t, k.IsSet())
	assert.Len(t, k.Predicates(), 2)
}
