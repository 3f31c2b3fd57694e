// Package storage provides the key-value stores that hold the data of each
// replica, and the provisioners that create them per namespace and key
// range.
//
// # Overview
//
// Every key range a peer replicates is backed by its own Store. The reactor
// asks a Provisioner for the store when it starts replicating a range and
// releases it when the blueprint no longer gives the peer a role there.
//
//	┌─────────────────────────────────────┐
//	│              Reactor                │
//	│   (one replica per key range)       │
//	└─────────────────────────────────────┘
//	                 │ Provision / Release
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            Provisioner              │
//	└─────────────────────────────────────┘
//	         │                   │
//	         ▼                   ▼
//	┌────────────────┐  ┌────────────────┐
//	│ MemoryStore    │  │ SQLiteStore    │
//	│ (tests)        │  │ one file/range │
//	└────────────────┘  └────────────────┘
//
// # Store
//
// Store offers point reads and writes plus an ordered range Scan, which is
// what backfill streams from. Values are copied on the way in and out, so
// callers may reuse their buffers.
//
// # Implementations
//
// MemoryStore: a map behind a sync.RWMutex
//   - no persistence
//   - Scan sorts a snapshot of the range
//
// SQLiteStore: one SQLite database per range, through modernc.org/sqlite
//   - WAL journal, so reads proceed while a write is in progress
//   - keys stored as BLOBs, which sort in the same byte order as Go strings
//   - writes serialized on a writer goroutine
//
// # Provisioning
//
// MemoryProvisioner keeps MemoryStores in a map and is what tests use.
//
// FileProvisioner lays files out deterministically under its base directory
// (see FilePathFor) and assigns each new store to one of a fixed number of
// writer goroutines in round-robin order. The counter belongs to the
// provisioner, so two provisioners in one process do not interfere.
//
// # Errors
//
// Get returns ErrKeyNotFound for a missing key. Any other error from a store
// means the storage layer itself has failed; the reactor treats that as
// fatal rather than retrying.
package storage
