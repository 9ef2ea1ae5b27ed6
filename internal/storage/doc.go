// Package storage persists scheduler statistics.
//
// It stores:
//   - The latest counters snapshot (daily window, session, lifetime totals)
//   - An append-only journal of executed actions
package storage
