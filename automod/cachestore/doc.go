// Decision cache of previously-blocked content fingerprints.
//
// Includes an interface, a durable SQL implementation, an in-process memory implementation for tests, and a read-through "hot" layer (redis plus a local TinyLFU) which can be stacked over either.
//
// Entries are keyed by content fingerprint. Recording a block for an existing fingerprint increments BlockedCount and bumps LastBlockedAt; the increment is atomic with respect to concurrent writers.
package cachestore
