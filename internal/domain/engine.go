package domain

import "context"

// DispatchRequest is the fixed outbound payload sent to the engine's
// pipeline-trigger endpoint.
type DispatchRequest struct {
	Service    string
	Version    string
	Artifact   ArtifactRef
	PipelineID string
}

// RunStatus is the engine's view of a pipeline run, obtained from the
// poll endpoint.
type RunStatus struct {
	RunID    RunID
	Terminal bool
	Outcome  EngineOutcome // meaningful only when Terminal
}

// EngineClient is the port to the external deployment engine. Trigger
// and poll are the only operations of this system that block on network
// I/O besides the credential exchange.
type EngineClient interface {
	// TriggerPipeline performs a single authenticated trigger call and
	// returns the engine's run identifier. Failures are reported as
	// [DispatchError].
	TriggerPipeline(ctx context.Context, req DispatchRequest) (RunID, error)

	// RunStatus polls the engine for the status of a run.
	RunStatus(ctx context.Context, id RunID) (RunStatus, error)
}

// TokenSource yields the machine-to-machine credential used to
// authenticate with the engine.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// RuntimeFlags is the externally-updatable configuration state read at
// request time: the kill switch and the demo-mode flag. Implementations
// must be safe for concurrent reads while the backing source changes.
type RuntimeFlags interface {
	// KillSwitchEngaged reports whether all mutating operations are to
	// be refused.
	KillSwitchEngaged() bool

	// DemoMode reports whether dispatches should skip the real engine
	// and attach a synthetic run identifier.
	DemoMode() bool
}

// StaticFlags is a fixed [RuntimeFlags], used in tests and as the
// fallback when no flags file is configured.
type StaticFlags struct {
	KillSwitch bool
	Demo       bool
}

func (f StaticFlags) KillSwitchEngaged() bool { return f.KillSwitch }
func (f StaticFlags) DemoMode() bool          { return f.Demo }
