// Package shardpolicy implements the Sharding Policy (C8): pure,
// stateless functions mapping a row to an output partition and an output
// partition to the worker that owns it. Every worker computes these
// functions independently and must agree without coordination — the
// functions here are deterministic and depend only on their arguments.
package shardpolicy
