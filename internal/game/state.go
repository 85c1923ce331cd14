package game

import "fmt"

// State of one game run.
//
//	Initializing -> DependenciesReady -> Running -> Completed -> Archived -> Reported
//	                                                Completed ------------> Reported (invalid or archival failed)
//	Initializing | DependenciesReady | Running -> Stopped | Failed -> Reported
type State int

const (
	Initializing State = iota
	DependenciesReady
	Running
	Completed
	Archived
	Reported
	Stopped
	Failed
)

var stateNames = [...]string{
	Initializing:      "initializing",
	DependenciesReady: "dependencies_ready",
	Running:           "running",
	Completed:         "completed",
	Archived:          "archived",
	Reported:          "reported",
	Stopped:           "stopped",
	Failed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	Initializing:      {DependenciesReady, Stopped, Failed},
	DependenciesReady: {Running, Stopped, Failed},
	Running:           {Completed, Stopped, Failed},
	Completed:         {Archived, Reported},
	Archived:          {Reported},
	Stopped:           {Reported},
	Failed:            {Reported},
}

// CanTransition reports whether a game may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
