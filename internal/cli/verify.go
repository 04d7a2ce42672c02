package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Entry bool
}

// CaptureCheck is the verification result of one signed capture.
type CaptureCheck struct {
	Field     string         `json:"field,omitempty"` // clockIn or clockOut for entries
	EventType wire.EventKind `json:"eventType"`
	DeviceID  string         `json:"deviceId"`
	Authentic bool           `json:"authentic"`
	Trusted   bool           `json:"trusted"`
}

// VerifyResult is the output of verify.
type VerifyResult struct {
	Valid      bool            `json:"valid"`
	Captures   []CaptureCheck  `json:"captures"`
	Validation *capture.Report `json:"validation,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <file.json>",
		Short: "Verify the signature of a capture or time entry",
		Long: `Verify a signed capture against the configured secret.

With --entry the file is a TimeEntry: its clockIn and clockOut captures are
verified and the entry is checked against the duration and drift limits.

Exit codes:
  0 - Signatures authentic (and entry valid with --entry)
  1 - Signature mismatch or entry violation
  2 - Command error (unreadable file, missing secret)

Example:
  timetruth verify capture.json
  timetruth verify --entry entry.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Entry, "entry", false, "the file is a TimeEntry rather than a single capture")
	return cmd
}

func runVerify(opts *VerifyOptions, path string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	signer, err := opts.env().signer(cfg)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read file", err)
	}

	var result VerifyResult
	if opts.Entry {
		var entry wire.TimeEntry
		if err := decodeStrict(data, &entry); err != nil {
			return WrapExitError(ExitCommandError, "failed to parse time entry", err)
		}
		result = verifyEntry(signer, entryValidator(cfg), entry)
	} else {
		var c wire.SignedCapture
		if err := decodeStrict(data, &c); err != nil {
			return WrapExitError(ExitCommandError, "failed to parse capture", err)
		}
		check := checkCapture(signer, "", c)
		result = VerifyResult{Valid: check.Authentic, Captures: []CaptureCheck{check}}
	}

	out := opts.formatter(cmd)
	if err := out.Result(result, formatVerify(result)); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "verification failed")
	}
	return nil
}

func checkCapture(signer *capture.Signer, field string, c wire.SignedCapture) CaptureCheck {
	return CaptureCheck{
		Field:     field,
		EventType: c.Payload.EventType,
		DeviceID:  c.Payload.DeviceID,
		Authentic: signer.Verify(c),
		Trusted:   c.Trusted(),
	}
}

// verifyEntry checks both captures and the entry limits. An entry without a
// clock-in capture cannot be authenticated and is invalid.
func verifyEntry(signer *capture.Signer, v capture.EntryValidator, e wire.TimeEntry) VerifyResult {
	result := VerifyResult{Valid: true, Captures: []CaptureCheck{}}
	if e.ClockIn == nil {
		result.Valid = false
	} else {
		check := checkCapture(signer, "clockIn", *e.ClockIn)
		result.Valid = result.Valid && check.Authentic
		result.Captures = append(result.Captures, check)
	}
	if e.ClockOut != nil {
		check := checkCapture(signer, "clockOut", *e.ClockOut)
		result.Valid = result.Valid && check.Authentic
		result.Captures = append(result.Captures, check)
	}
	report := v.Validate(e)
	result.Validation = &report
	result.Valid = result.Valid && report.Valid
	return result
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func formatVerify(r VerifyResult) string {
	var b bytes.Buffer
	if r.Valid {
		b.WriteString("✓ valid")
	} else {
		b.WriteString("✗ invalid")
	}
	if len(r.Captures) == 0 {
		b.WriteString("\n  no clock-in capture")
	}
	for _, c := range r.Captures {
		label := string(c.EventType)
		if c.Field != "" {
			label = c.Field + " " + label
		}
		status := "authentic"
		if !c.Authentic {
			status = "SIGNATURE MISMATCH"
		}
		trust := "trusted"
		if !c.Trusted {
			trust = "degraded"
		}
		fmt.Fprintf(&b, "\n  %s from %s: %s, %s", label, c.DeviceID, status, trust)
	}
	if r.Validation != nil {
		for _, v := range r.Validation.Violations {
			fmt.Fprintf(&b, "\n  %s: %s", v.Code, v.Detail)
		}
	}
	return b.String()
}
