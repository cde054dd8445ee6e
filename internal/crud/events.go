package crud

import (
	"context"

	"github.com/mohae/deepcopy"
)

// Event is what a pre-save hook observes: exactly one of Created, Updated
// or Deleted.
type Event[E any] interface {
	event()
}

// Created carries the new instance, before it is written.
type Created[E any] struct {
	New *E
}

// Updated carries the modified instance and a snapshot taken before the
// input was applied.
type Updated[E any] struct {
	New  *E
	Prev *E
}

// Deleted carries the instance about to be removed.
type Deleted[E any] struct {
	Prev *E
}

func (Created[E]) event() {}
func (Updated[E]) event() {}
func (Deleted[E]) event() {}

// PresaveHook runs once per mutation, after the input is applied and before
// anything is flushed. An error aborts the mutation.
type PresaveHook[E any] func(ctx context.Context, ev Event[E]) error

// SnapshotFunc copies an instance for Updated.Prev.
type SnapshotFunc[E any] func(e *E) *E

// ShallowSnapshot copies the struct; pointers, slices and maps are shared
// with the live instance.
func ShallowSnapshot[E any](e *E) *E {
	c := *e
	return &c
}

// DeepSnapshot copies the struct and everything it references.
func DeepSnapshot[E any](e *E) *E {
	return deepcopy.Copy(e).(*E)
}
