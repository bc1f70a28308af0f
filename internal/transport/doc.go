// Package transport provides the wire channel underneath the Comm Buffer
// (C4): a Transport interface with two implementations.
//
// WSTransport holds one persistent, ordered websocket connection per peer
// — the concrete realization of spec.md §5's assumption of "an ordered
// per-peer request/response channel," and a natural fit for the Comm
// Buffer's single-in-flight-send invariant. Each peer connection is
// wrapped in its own circuit breaker so a peer that is failing
// persistently trips the breaker open quickly instead of retry-storming;
// an open breaker surfaces as an error that the Comm Buffer turns into a
// Failed run (spec.md §7).
//
// HTTPTransport sends the same request as a one-shot JSON POST using
// internal/cluster's helpers, for tests and for peers that have not
// established a websocket session yet.
package transport
