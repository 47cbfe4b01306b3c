package logging

import (
	"sync"
)

// Notifier receives one-way lifecycle events for the host application.
// Notify must not block.
type Notifier interface {
	Notify(event string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(event string)

// Notify calls f.
func (f NotifierFunc) Notify(event string) { f(event) }

// NopNotifier discards events.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(string) {}

// LogNotifier logs events at info level under a component field.
type LogNotifier struct {
	component string
}

// NewLogNotifier returns a notifier that logs through the package logger.
func NewLogNotifier(component string) *LogNotifier {
	return &LogNotifier{component: component}
}

// Notify logs the event.
func (n *LogNotifier) Notify(event string) {
	Component(n.component).WithField("event", event).Info("notify")
}

// ChanNotifier delivers events on a buffered channel, dropping them when
// the consumer falls behind.
type ChanNotifier struct {
	ch chan string
}

// NewChanNotifier returns a ChanNotifier with the given buffer size.
func NewChanNotifier(size int) *ChanNotifier {
	if size <= 0 {
		size = 16
	}
	return &ChanNotifier{ch: make(chan string, size)}
}

// Notify enqueues the event without blocking.
func (n *ChanNotifier) Notify(event string) {
	select {
	case n.ch <- event:
	default:
	}
}

// Events returns the receive side of the channel.
func (n *ChanNotifier) Events() <-chan string { return n.ch }

// Recorder keeps every event in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// Notify appends the event.
func (r *Recorder) Notify(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Multi fans an event out to several notifiers.
func Multi(ns ...Notifier) Notifier {
	return NotifierFunc(func(event string) {
		for _, n := range ns {
			if n != nil {
				n.Notify(event)
			}
		}
	})
}
