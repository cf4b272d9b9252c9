package workflow

// State identifies one stage of the research state machine. Exactly one
// state is live per run; transitions are the only way to change it.
type State string

const (
	StatePlan            State = "PLAN"
	StateExecute         State = "EXECUTE"
	StateValidateResults State = "VALIDATE_RESULTS"
	StateAnalyze         State = "ANALYZE"
	StateEvaluate        State = "EVALUATE"
	StateRefine          State = "REFINE"
	StateCritique        State = "CRITIQUE"
	StateSummarize       State = "SUMMARIZE"
	StateComplete        State = "COMPLETE"
	StateFailed          State = "FAILED"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

func (s State) String() string { return string(s) }
