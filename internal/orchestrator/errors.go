package orchestrator

// Engine stages reported in EngineError.
const (
	StageConstruct = "construct"
	StageRun       = "run"
)

// EngineError reports that the optimization engine could not produce a
// report. No report is returned or cached alongside it.
type EngineError struct {
	Objective string
	Stage     string
	Err       error
}

func (e *EngineError) Error() string {
	return "engine " + e.Stage + " failed for " + e.Objective + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
