package router

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved inbound message types.
const (
	TypePong         = "pong"
	TypeMarketData   = "market_data"
	TypeSignal       = "signal"
	TypeNotification = "notification"
	TypePortfolio    = "portfolio"
	TypeError        = "error"
)

// HandlerID identifies a registration. It is opaque to callers.
type HandlerID string

// Message is an inbound frame after type extraction.
type Message struct {
	Type       string          // Envelope type tag
	Payload    json.RawMessage // Raw payload object (may be nil)
	ReceivedAt time.Time       // Local timestamp when the transport returned the frame
}

// Handler consumes a routed message. A returned error (or a panic) is logged
// and reported without affecting other handlers.
type Handler func(msg Message) error

// HandlerError wraps a failure raised by a single handler.
type HandlerError struct {
	MessageType string
	HandlerID   HandlerID
	Err         error
	Panicked    bool
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %s for %q panicked: %v", e.HandlerID, e.MessageType, e.Err)
	}
	return fmt.Sprintf("handler %s for %q failed: %v", e.HandlerID, e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	Intercepted      int64
	ParseErrors      int64
	UnknownMessages  int64
	HandlerFailures  int64
	Handlers         int
}

// Envelope is the wire format shared by inbound and outbound frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarketDataPayload is the payload of a market_data message.
type MarketDataPayload struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"ts"` // Unix milliseconds
}

// SignalPayload is the payload of a signal push.
type SignalPayload struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"` // "buy" or "sell"
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty"`
}

// NotificationPayload is the payload of a notification push.
type NotificationPayload struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"` // "info", "warning", "critical"
}

// PortfolioPayload is the payload of a portfolio update.
type PortfolioPayload struct {
	AccountID string             `json:"account_id"`
	Balance   float64            `json:"balance"`
	Equity    float64            `json:"equity"`
	Positions map[string]float64 `json:"positions,omitempty"`
}

// ErrorPayload is the payload of a server-side error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode unmarshals a message payload into T.
func Decode[T any](msg Message) (T, error) {
	var out T
	if len(msg.Payload) == 0 {
		return out, fmt.Errorf("decode %s: empty payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return out, nil
}
