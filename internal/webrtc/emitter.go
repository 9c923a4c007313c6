package webrtc

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event names a manager notification.
type Event string

// Notifications emitted by Manager.
const (
	EventConnected                Event = "connected"
	EventDisconnected             Event = "disconnected"
	EventError                    Event = "error"
	EventConnectionStateChange    Event = "connectionStateChange"
	EventICEConnectionStateChange Event = "iceConnectionStateChange"
	EventDataChannelOpen          Event = "dataChannelOpen"
	EventDataChannelClose         Event = "dataChannelClose"
	EventDataChannelError         Event = "dataChannelError"
	EventRealtimeEvent            Event = "realtimeEvent"
	EventParseError               Event = "parseError"
	EventLocalAudioTrack          Event = "localAudioTrack"
	EventRemoteAudioTrack         Event = "remoteAudioTrack"
)

// Handler receives a notification payload. The payload type depends on the event.
type Handler func(payload any)

// Subscription identifies one registered handler; pass it to Off to remove it.
type Subscription struct {
	event Event
	id    uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type notification struct {
	event   Event
	payload any
	done    chan struct{}
}

// Emitter is an ordered publish/subscribe registry.
// Notifications are delivered by a single goroutine in emission order, and
// handlers of one event run in subscription order, so a handler is never
// invoked concurrently with itself. Handlers may emit or call back into the
// owner; they must not call Drain or Close.
type Emitter struct {
	mu       sync.Mutex
	handlers map[Event][]handlerEntry
	nextID   uint64
	queue    []notification
	closed   bool

	wake    chan struct{}
	stopped chan struct{}
}

// NewEmitter creates an emitter and starts its dispatch goroutine.
func NewEmitter() *Emitter {
	e := &Emitter{
		handlers: make(map[Event][]handlerEntry),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go e.dispatchLoop()
	return e
}

// On registers fn for event. Multiple handlers per event are allowed.
func (e *Emitter) On(event Event, fn Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: e.nextID, fn: fn})
	return Subscription{event: event, id: e.nextID}
}

// Off removes a handler. It reports whether the subscription was still registered.
func (e *Emitter) Off(sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.handlers[sub.event]
	for i, h := range list {
		if h.id != sub.id {
			continue
		}
		next := make([]handlerEntry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(e.handlers, sub.event)
		} else {
			e.handlers[sub.event] = next
		}
		return true
	}
	return false
}

// Emit queues a notification. It never blocks on handlers.
func (e *Emitter) Emit(event Event, payload any) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Debug().Str("module", "webrtc").Str("event", string(event)).Msg("emit after close dropped")
		return
	}
	e.queue = append(e.queue, notification{event: event, payload: payload})
	e.mu.Unlock()
	e.signal()
}

// Drain blocks until every notification emitted before the call has been delivered.
func (e *Emitter) Drain() {
	done := make(chan struct{})
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.stopped
		return
	}
	e.queue = append(e.queue, notification{done: done})
	e.mu.Unlock()
	e.signal()
	<-done
}

// Close delivers the queued notifications and stops the dispatch goroutine.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
	<-e.stopped
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) dispatchLoop() {
	defer close(e.stopped)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		n := e.queue[0]
		e.queue[0] = notification{}
		e.queue = e.queue[1:]
		var handlers []handlerEntry
		if n.done == nil {
			handlers = append(handlers, e.handlers[n.event]...)
		}
		e.mu.Unlock()

		if n.done != nil {
			close(n.done)
			continue
		}
		for _, h := range handlers {
			invoke(n.event, h.fn, n.payload)
		}
	}
}

// invoke runs one handler, isolating its panic from the others.
func invoke(event Event, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "webrtc").Str("event", string(event)).Interface("panic", r).Msg("error in event listener")
		}
	}()
	fn(payload)
}
