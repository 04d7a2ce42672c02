// Package capture produces tamper-evident dual-timestamp captures.
//
// Every compliance event records two clocks read back to back:
//
//   - wall clock time (user-adjustable, untrusted)
//   - monotonic uptime (unaffected by clock settings, authoritative)
//
// The payload is canonicalized (RFC 8785 JSON, NFC strings) and signed with
// HMAC-SHA256 under a per-device key derived by HKDF-SHA256 from the master
// secret. The MAC input is domain-separated:
//
//	domain || 0x00 || canonical(payload)
//
// # Degraded trust
//
// When the monotonic source cannot be read the capture is still produced, so
// the event is not lost, but it carries monotonicTime = 0 and a signature
// prefixed with wire.DegradedSignaturePrefix. Degraded captures are MAC'd under
// their own domain; stripping the prefix from one never yields a valid trusted
// capture. Consumers distinguish them with SignedCapture.Trusted.
package capture
