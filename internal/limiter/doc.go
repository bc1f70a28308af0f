// Package limiter implements the Resource Limiter (C1): a byte-granularity
// counting semaphore used by a Shuffle Run to bound its in-flight memory
// buffers and its on-disk footprint. Producers (add_partition, receive,
// Comm Buffer writes, Partition Store appends) acquire permits before
// touching the resource and release them once the bytes are flushed or
// durable; when the limiter is exhausted, acquirers suspend in FIFO order
// until capacity frees up, exerting backpressure on whatever is upstream.
//
// Two independent Limiter instances exist per Shuffle Run — one for memory,
// one for disk — so memory pressure and disk pressure never block each
// other's unrelated acquisitions.
package limiter
