// Package storage persists the engine's only mutable shared state:
//
//   - Sent records: (configuration id, alert fingerprint) -> sent time
//   - Report markers: (report configuration id, period key) -> written time
//   - Cycle audit entries (append-only)
//
// Every driver enforces a unique key per sent record and per marker, so two
// processes racing on the same pair resolve to one winner and one no-op.
package storage
