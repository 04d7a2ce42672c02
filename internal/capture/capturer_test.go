package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmckelvey9861/workforce-mobile/internal/testutil"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	clocks   *testutil.Clocks
	identity *testutil.StaticIdentity
	capturer *Capturer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := NewSigner(testSecret)
	require.NoError(t, err)
	clocks := testutil.NewClocks(5000)
	identity := testutil.NewStaticIdentity("device-1")
	return &fixture{
		clocks:   clocks,
		identity: identity,
		capturer: NewCapturer(signer, clocks.Mono, clocks.Wall, identity),
	}
}

func TestCaptureEvent_Trusted(t *testing.T) {
	f := newFixture(t)

	c, err := f.capturer.CaptureEvent(context.Background(), wire.EventClockIn)
	require.NoError(t, err)

	assert.Equal(t, testutil.DefaultStart.UnixMilli(), c.Payload.UserTime)
	assert.Equal(t, int64(5000), c.Payload.MonotonicTime)
	assert.Equal(t, wire.EventClockIn, c.Payload.EventType)
	assert.Equal(t, "device-1", c.Payload.DeviceID)
	assert.Equal(t, "2024-01-01T09:00:00.000Z", c.Payload.Timestamp)
	assert.Len(t, c.Signature, 64)
	assert.True(t, c.Trusted())
	assert.True(t, f.capturer.ValidateIntegrity(c))
}

func TestCaptureEvent_Deterministic(t *testing.T) {
	a, b := newFixture(t), newFixture(t)

	ca, err := a.capturer.CaptureEvent(context.Background(), wire.EventClockOut)
	require.NoError(t, err)
	cb, err := b.capturer.CaptureEvent(context.Background(), wire.EventClockOut)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
}

func TestCaptureEvent_UnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.capturer.CaptureEvent(context.Background(), wire.EventKind("LUNCH"))
	assert.Error(t, err)
}

func TestValidateIntegrity_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	c, err := f.capturer.CaptureEvent(context.Background(), wire.EventClockIn)
	require.NoError(t, err)

	tests := []struct {
		name   string
		tamper func(*wire.SignedCapture)
	}{
		{"user time", func(c *wire.SignedCapture) { c.Payload.UserTime -= 3600_000 }},
		{"monotonic time", func(c *wire.SignedCapture) { c.Payload.MonotonicTime++ }},
		{"event type", func(c *wire.SignedCapture) { c.Payload.EventType = wire.EventClockOut }},
		{"device id", func(c *wire.SignedCapture) { c.Payload.DeviceID = "device-2" }},
		{"timestamp", func(c *wire.SignedCapture) { c.Payload.Timestamp = "2024-01-01T08:00:00.000Z" }},
		{"signature digit", func(c *wire.SignedCapture) { c.Signature = flipHex(c.Signature) }},
		{"signature truncated", func(c *wire.SignedCapture) { c.Signature = c.Signature[:10] }},
		{"signature not hex", func(c *wire.SignedCapture) { c.Signature = strings.Repeat("zz", 32) }},
		{"signature empty", func(c *wire.SignedCapture) { c.Signature = "" }},
		{"marked degraded", func(c *wire.SignedCapture) { c.Signature = wire.DegradedSignaturePrefix + c.Signature }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := c
			tt.tamper(&tampered)
			assert.False(t, f.capturer.ValidateIntegrity(tampered))
		})
	}
}

func TestValidateIntegrity_OtherSecretRejects(t *testing.T) {
	f := newFixture(t)
	c, err := f.capturer.CaptureEvent(context.Background(), wire.EventClockIn)
	require.NoError(t, err)

	other, err := NewSigner([]byte("a-completely-different-secret"))
	require.NoError(t, err)
	assert.False(t, other.Verify(c))
}

func TestCaptureEvent_DegradedWhenMonotonicUnavailable(t *testing.T) {
	f := newFixture(t)
	f.clocks.Mono.SetUnavailable(true)

	c, err := f.capturer.CaptureEvent(context.Background(), wire.EventClockIn)
	require.NoError(t, err)

	assert.Equal(t, int64(0), c.Payload.MonotonicTime)
	assert.True(t, strings.HasPrefix(c.Signature, wire.DegradedSignaturePrefix))
	assert.False(t, c.Trusted())
	assert.True(t, f.capturer.ValidateIntegrity(c), "degraded captures are still authentic")

	// Stripping the tag never produces a valid trusted capture.
	upgraded := c
	upgraded.Signature = strings.TrimPrefix(c.Signature, wire.DegradedSignaturePrefix)
	assert.False(t, f.capturer.ValidateIntegrity(upgraded))
}

func TestDeviceID_Memoized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.capturer.CaptureEvent(ctx, wire.EventPause)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.identity.Calls())
}

func TestDeviceID_FailureReturnsSentinel(t *testing.T) {
	f := newFixture(t)
	f.identity.Fail(errors.New("keychain locked"))
	ctx := context.Background()

	c, err := f.capturer.CaptureEvent(ctx, wire.EventClockIn)
	require.NoError(t, err, "identity failure must not block capture")
	assert.Equal(t, UnknownDevice, c.Payload.DeviceID)
	assert.True(t, f.capturer.ValidateIntegrity(c))

	// Failures are not memoized.
	f.identity.Fail(nil)
	assert.Equal(t, "device-1", f.capturer.DeviceID(ctx))
}

func TestCaptureWithReading(t *testing.T) {
	f := newFixture(t)
	f.clocks.Advance(90 * time.Second)

	c, r, err := f.capturer.CaptureWithReading(context.Background(), wire.EventResume)
	require.NoError(t, err)
	assert.True(t, r.MonoOK)
	assert.Equal(t, int64(95000), r.Mono)
	assert.Equal(t, c.Payload.UserTime, r.WallMs())
}

func TestNewSigner_ShortSecret(t *testing.T) {
	_, err := NewSigner([]byte("short"))
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestRuntimeClock(t *testing.T) {
	c := NewRuntimeClock(1000)
	a, err := c.UptimeMillis()
	require.NoError(t, err)
	b, err := c.UptimeMillis()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a, int64(1000))
	assert.GreaterOrEqual(t, b, a)

	var missing *RuntimeClock
	_, err = missing.UptimeMillis()
	assert.ErrorIs(t, err, ErrMonotonicUnavailable)
}

// flipHex changes the first hex digit of s.
func flipHex(s string) string {
	b := []byte(s)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}
