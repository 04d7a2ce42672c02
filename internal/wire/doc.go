// Package wire defines the foundational types shared by the time truth engine.
//
// This package contains value types and their serialization only. Every other
// internal package imports wire; wire imports nothing internal.
//
// Key design constraints:
//   - All times used in arithmetic are int64 milliseconds, never floats
//   - Wall-clock fields are for display; monotonic fields are authoritative
//   - JSON keys follow the remote sync contract (camelCase)
//   - Signed payloads are serialized with MarshalCanonical only
package wire
