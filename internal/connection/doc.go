// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single live WebSocket transport and the connection state machine
//   - Performs the auth handshake with a credential fetched on every attempt
//   - Replays the Subscription Registry after every successful handshake
//   - Starts and stops the Heartbeat Controller with the connection
//   - Reconnects with exponential backoff, except after authentication failures
//   - Feeds inbound frames to the Message Router while connected
package connection
