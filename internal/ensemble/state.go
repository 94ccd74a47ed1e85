package ensemble

// State is a step of the ensemble run. A run moves through the states in
// declaration order and never re-enters one; Failed can follow any state.
type State int

const (
	Idle State = iota
	Fetching
	Preparing
	Planning
	Staging
	Executing
	Aggregating
	SelectingTop
	RetrainingFinal
	Done
	Failed
)

var stateNames = [...]string{
	Idle:            "idle",
	Fetching:        "fetching",
	Preparing:       "preparing",
	Planning:        "planning",
	Staging:         "staging",
	Executing:       "executing",
	Aggregating:     "aggregating",
	SelectingTop:    "selecting_top",
	RetrainingFinal: "retraining_final",
	Done:            "done",
	Failed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}
