package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewHandlerID returns a fresh opaque handler identifier.
func NewHandlerID() HandlerID {
	return HandlerID(gonanoid.Must())
}

type registration struct {
	id      HandlerID
	handler Handler
}

// Router maps inbound message types to registered handlers.
type Router struct {
	logger    *slog.Logger
	onFailure func(*HandlerError)

	// Handler table. Slices are replaced, never mutated in place, so
	// Dispatch can iterate a slice it read under the lock after releasing it.
	mu           sync.RWMutex
	handlers     map[string][]registration
	typeByID     map[HandlerID]string
	interceptors map[string]func(Message)

	// Stats
	received        atomic.Int64
	routed          atomic.Int64
	intercepted     atomic.Int64
	parseErrors     atomic.Int64
	unknownMessages atomic.Int64
	handlerFailures atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithFailureHook reports every isolated handler failure to fn.
func WithFailureHook(fn func(*HandlerError)) Option {
	return func(r *Router) {
		r.onFailure = fn
	}
}

// NewRouter creates a new Message Router.
func NewRouter(logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		logger:       logger,
		handlers:     make(map[string][]registration),
		typeByID:     make(map[HandlerID]string),
		interceptors: make(map[string]func(Message)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler for msgType and returns its id.
// Handlers for the same type run in registration order.
func (r *Router) Register(msgType string, h Handler) HandlerID {
	id := NewHandlerID()

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.handlers[msgType]
	next := make([]registration, len(current), len(current)+1)
	copy(next, current)
	r.handlers[msgType] = append(next, registration{id: id, handler: h})
	r.typeByID[id] = msgType

	return id
}

// Unregister removes a handler. Unknown ids are ignored.
// Reports whether a handler was removed.
func (r *Router) Unregister(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgType, ok := r.typeByID[id]
	if !ok {
		return false
	}
	delete(r.typeByID, id)

	current := r.handlers[msgType]
	next := make([]registration, 0, len(current))
	for _, reg := range current {
		if reg.id != id {
			next = append(next, reg)
		}
	}
	if len(next) == 0 {
		delete(r.handlers, msgType)
	} else {
		r.handlers[msgType] = next
	}
	return true
}

// Intercept consumes msgType internally. Intercepted types are never
// forwarded to application handlers.
func (r *Router) Intercept(msgType string, fn func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptors[msgType] = fn
}

// Parse extracts the envelope from raw frame bytes. Malformed frames are
// logged and counted in Stats.ParseErrors.
func (r *Router) Parse(data []byte, receivedAt time.Time) (Message, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		r.received.Add(1)
		r.parseErrors.Add(1)
		r.logger.Warn("failed to parse inbound frame", "error", err, "bytes", len(data))
		return Message{}, err
	}
	return Message{
		Type:       env.Type,
		Payload:    env.Payload,
		ReceivedAt: receivedAt,
	}, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("parse envelope: missing type")
	}
	return env, nil
}

// Dispatch delivers msg to its interceptor or to every registered handler.
// It returns the number of handlers invoked.
func (r *Router) Dispatch(msg Message) int {
	r.received.Add(1)

	r.mu.RLock()
	intercept := r.interceptors[msg.Type]
	regs := r.handlers[msg.Type]
	r.mu.RUnlock()

	if intercept != nil {
		r.intercepted.Add(1)
		intercept(msg)
		return 0
	}

	if len(regs) == 0 {
		r.unknownMessages.Add(1)
		r.logger.Debug("no handlers for message type, dropping", "type", msg.Type)
		return 0
	}

	for _, reg := range regs {
		r.invoke(reg, msg)
	}
	r.routed.Add(1)
	return len(regs)
}

// invoke runs one handler, converting a panic into a HandlerError.
func (r *Router) invoke(reg registration, msg Message) {
	var herr *HandlerError

	func() {
		defer func() {
			if v := recover(); v != nil {
				herr = &HandlerError{
					MessageType: msg.Type,
					HandlerID:   reg.id,
					Err:         fmt.Errorf("%v", v),
					Panicked:    true,
				}
			}
		}()
		if err := reg.handler(msg); err != nil {
			herr = &HandlerError{
				MessageType: msg.Type,
				HandlerID:   reg.id,
				Err:         err,
			}
		}
	}()

	if herr == nil {
		return
	}

	r.handlerFailures.Add(1)
	r.logger.Warn("message handler failed",
		"type", msg.Type,
		"handler_id", reg.id,
		"panicked", herr.Panicked,
		"error", herr.Err,
	)
	if r.onFailure != nil {
		r.onFailure(herr)
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	handlers := len(r.typeByID)
	r.mu.RUnlock()

	return Stats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		Intercepted:      r.intercepted.Load(),
		ParseErrors:      r.parseErrors.Load(),
		UnknownMessages:  r.unknownMessages.Load(),
		HandlerFailures:  r.handlerFailures.Load(),
		Handlers:         handlers,
	}
}
