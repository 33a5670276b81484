package pubsub

import (
	"sync"

	"github.com/backkem/sidecar/pkg/signal"
)

// Operator-visible status texts.
const (
	StatusPublishFailed    = "Failed to publish connection info."
	StatusNameConflict     = "Name conflict"
	StatusPreparingBrowse  = "Preparing to browse..."
	StatusBrowseFailed     = "Failed to start publisher browser."
	StatusPublisherFound   = "Publisher found."
	StatusNotConnected     = "Not connected to publisher."
	StatusResolveFailed    = "Failed to resolve publisher."
	StatusConnectionFailed = "Failed to connect to publisher."
)

// Status is the current error text of a component, shown to operators.
// It is safe for concurrent use.
type Status struct {
	mu      sync.Mutex
	text    string
	isError bool

	changed signal.Signal[string]
}

// Set replaces the status text. isError marks the text as a fault rather
// than progress information.
func (s *Status) Set(text string, isError bool) {
	s.mu.Lock()
	same := s.text == text && s.isError == isError
	s.text = text
	s.isError = isError
	s.mu.Unlock()

	if !same {
		s.changed.Emit(text)
	}
}

// Clear empties the status text.
func (s *Status) Clear() {
	s.Set("", false)
}

// Text returns the status text.
func (s *Status) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// IsError reports whether the text describes a fault.
func (s *Status) IsError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isError && s.text != ""
}

// OnChange connects fn to status changes. fn receives the new text.
func (s *Status) OnChange(fn func(text string)) *signal.Connection {
	return s.changed.Connect(fn)
}
