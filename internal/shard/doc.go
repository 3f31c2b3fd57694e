// Package shard implements a peer's replica of one key range.
//
// # Overview
//
// A Shard pairs a KeyRange from the blueprint with the Store the provisioner
// created for it. The reactor keeps one Shard per range the peer has a role
// in and routes every read, client write, replicated write and backfill
// chunk for that range through it.
//
// # Key Ownership
//
// Unlike hash sharding, ranges are contiguous in key order, so a shard owns
// key k when Start <= k < End (End empty meaning unbounded). Operations on
// keys outside the range fail with ErrOutOfRange; that only happens when a
// request raced a blueprint change.
//
// # Backfill Buffering
//
// A secondary that is still backfilling already receives the primary's
// replicated writes. Applying them straight away would let an older value
// from a later backfill chunk overwrite them, so the shard holds them:
//
//	Hold()           start buffering
//	Replicate(w)     appended to the buffer
//	... backfill chunks applied with Put ...
//	Flush()          buffered writes applied in arrival order
//
// Discard drops the buffer when a backfill is abandoned.
//
// # Statistics
//
// Gets, puts and deletes are counted with atomic operations and reported
// together with the store's key and byte counts by GetStats and Info.
package shard
