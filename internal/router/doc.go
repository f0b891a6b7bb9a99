// Package router implements the Message Router component.
//
// The Message Router:
//   - Extracts the type tag from inbound JSON envelopes
//   - Delivers each message to every handler registered for its type, in registration order
//   - Isolates handler failures (returned errors and panics) from each other
//   - Lets internal components intercept reserved types (pong) before application handlers
//   - Logs and drops unknown types
package router
