// Package cmd implements the command-line interface for the ep-engine
// storage core. It provides a hierarchical command structure with
// operations for running the engine and performing one-shot key/value
// operations against it.
//
// The package is organized into several subpackages:
//
//   - serve: starts the engine (backing store, warmup, flusher, background
//     fetcher, and periodic workers) and keeps it running.
//   - kv: one-shot get/set/add/del/evict operations against an embedded
//     engine instance.
//   - util: shared configuration/bootstrap helpers (internal use).
//
// See ep-engine -help for a list of all commands.
package cmd
