package capture

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// Domain separation prefixes for capture MACs.
// CRITICAL: Changing these breaks verification of every stored capture.
const (
	DomainCapture         = "timetruth/capture/v1"
	DomainDegradedCapture = "timetruth/capture-degraded/v1"
)

// hkdfSalt binds derived keys to this scheme.
const hkdfSalt = "timetruth-device-kdf"

// MinSecretLen is the shortest master secret NewSigner accepts.
const MinSecretLen = 16

// ErrSecretTooShort is returned by NewSigner.
var ErrSecretTooShort = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLen)

// Signer computes and checks capture MACs.
//
// Thread-safety: Signer is safe for concurrent use. Derived keys are cached
// per device id.
type Signer struct {
	secret []byte
	keys   sync.Map // deviceID -> []byte
}

// NewSigner creates a signer for the master secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign returns the hex MAC of p. Degraded signatures carry the reserved prefix.
func (s *Signer) Sign(p wire.CapturePayload, degraded bool) (string, error) {
	domain := DomainCapture
	if degraded {
		domain = DomainDegradedCapture
	}
	mac, err := s.mac(domain, p)
	if err != nil {
		return "", err
	}
	sig := hex.EncodeToString(mac)
	if degraded {
		sig = wire.DegradedSignaturePrefix + sig
	}
	return sig, nil
}

// Verify recomputes the MAC of c.Payload and compares it in constant time.
// Malformed or empty signatures are invalid.
func (s *Signer) Verify(c wire.SignedCapture) bool {
	sig, domain := c.Signature, DomainCapture
	if rest, ok := strings.CutPrefix(sig, wire.DegradedSignaturePrefix); ok {
		sig, domain = rest, DomainDegradedCapture
	}
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want, err := s.mac(domain, c.Payload)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func (s *Signer) mac(domain string, p wire.CapturePayload) ([]byte, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return nil, fmt.Errorf("canonicalize capture: %w", err)
	}
	key, err := s.deviceKey(p.DeviceID)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return h.Sum(nil), nil
}

// deviceKey derives (and caches) the HKDF-SHA256 key for deviceID.
func (s *Signer) deviceKey(deviceID string) ([]byte, error) {
	if k, ok := s.keys.Load(deviceID); ok {
		return k.([]byte), nil
	}
	if deviceID == "" {
		return nil, errors.New("capture has no device id")
	}
	r := hkdf.New(sha256.New, s.secret, []byte(hkdfSalt), []byte(deviceID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	actual, _ := s.keys.LoadOrStore(deviceID, key)
	return actual.([]byte), nil
}
