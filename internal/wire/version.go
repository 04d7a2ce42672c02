package wire

// Version constants for the wire format and engine.
const (
	// WireVersion is the capture/queue wire schema version.
	WireVersion = "1"

	// EngineVersion is the time truth engine version.
	EngineVersion = "0.1.0"
)
