// Package harness runs scripted shifts against the session state machine.
//
// A Scenario is a YAML file listing steps (start, pause, advance the clocks,
// fail storage, force end, ...) with optional per-step expectations and
// final assertions. Run executes it against fresh in-memory collaborators:
//
//   - testutil.Clocks for wall and monotonic time, both starting at a fixed
//     instant so every run is identical
//   - a queue.MemoryStore behind a testutil.FaultQueue
//   - a capture.Capturer signing with a fixed test secret
//
// Each step appends a TraceEvent with the resulting mode, earnings and
// error code. RunWithGolden serializes the trace as canonical JSON and
// compares it with testdata/golden/{name}.golden using goldie:
//
//	go test ./internal/harness -update
//
// regenerates the golden files.
package harness
