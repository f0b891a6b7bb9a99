// Package backoff computes reconnect delays.
//
// The delay for attempt n (starting at 1) is min(Base * 2^(n-1), Cap).
// MaxAttempts bounds how many reconnects are scheduled before the caller
// gives up; zero means unbounded, with every delay held at Cap once reached.
package backoff
