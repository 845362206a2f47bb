package event

import (
	"sync"

	"github.com/cyclopcam/livedetect/pkg/gen"
)

// Package event provides a way for listeners to subscribe to synchronous events,
// and a Flag for goroutines to block on.

// Listener receives events
// We use an interface instead of a function, because functions cannot be compared for equality.
// Comparison for equality is essential for removing an existing listener.
type Listener interface {
	OnEvent(sender *Sender, event any)
}

// Sender sends events
type Sender struct {
	listenersLock sync.Mutex
	listeners     []Listener
}

// Add a new listener
// If the listener is already present, then the function returns immediately
func (s *Sender) AddListener(listener Listener) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for _, l := range s.listeners {
		if l == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

// Remove an existing listener
// If the listener is not present, then the function returns immediately
func (s *Sender) RemoveListener(listener Listener) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.listeners = gen.DeleteFirst(s.listeners, listener)
}

func (s *Sender) NumListeners() int {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	return len(s.listeners)
}

// Send an event to all listeners
// Listeners are invoked on the sender's goroutine, so they must not block for long.
func (s *Sender) SendEvent(event any) {
	s.listenersLock.Lock()
	list := make([]Listener, len(s.listeners))
	copy(list, s.listeners)
	s.listenersLock.Unlock()

	for _, l := range list {
		l.OnEvent(s, event)
	}
}

// ChanListener forwards events into a buffered channel.
// If the channel is full, the event is dropped, and Dropped is incremented.
type ChanListener struct {
	C       chan any
	lock    sync.Mutex
	dropped int
}

func NewChanListener(size int) *ChanListener {
	return &ChanListener{
		C: make(chan any, size),
	}
}

func (c *ChanListener) OnEvent(sender *Sender, event any) {
	select {
	case c.C <- event:
	default:
		c.lock.Lock()
		c.dropped++
		c.lock.Unlock()
	}
}

// Number of events that were dropped because the channel was full
func (c *ChanListener) Dropped() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.dropped
}
