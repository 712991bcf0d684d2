package watcher

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the type of change an Event describes.
type Kind int

const (
	Create Kind = iota + 1
	Delete
	Modify
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Delete:
		return "delete"
	case Modify:
		return "modify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrPathMismatch is returned by Event.Update when the two events describe
// different files.
var ErrPathMismatch = errors.New("update with different path")

// Event represents a single observed file system change.
type Event struct {
	Kind      Kind
	Path      string // absolute
	Timestamp time.Time
}

// NewEvent stamps an event with the current wall clock.
func NewEvent(kind Kind, path string) Event {
	return Event{Kind: kind, Path: path, Timestamp: time.Now()}
}

// Update returns e coalesced with next: next's kind and timestamp win.
func (e Event) Update(next Event) (Event, error) {
	if e.Path != next.Path {
		return e, fmt.Errorf("%w: %s != %s", ErrPathMismatch, e.Path, next.Path)
	}
	e.Kind = next.Kind
	e.Timestamp = next.Timestamp
	return e, nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// Consumer receives events from a Watcher or an EventFilter.
type Consumer interface {
	Accept(Event)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(Event)

func (f ConsumerFunc) Accept(e Event) { f(e) }
