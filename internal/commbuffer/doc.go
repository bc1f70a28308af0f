// Package commbuffer implements the Comm Buffer (C4): a per-peer,
// in-memory byte accumulator that batches outbound shuffle_receive
// payloads and enforces at most one outstanding send per peer.
//
// A CommBuffer triggers a flush when its accumulated size crosses
// send_flush_bytes or when send_flush_ms have elapsed since the last
// flush, whichever happens first. The age-based path is paced with a
// golang.org/x/time/rate limiter, one per CommBuffer, which lets each
// buffer run its age check at most once per send_flush_ms.
package commbuffer
