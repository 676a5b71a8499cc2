package update

import (
	"fmt"
	"time"

	"github.com/phobologic/repoindex/internal/vcs"
)

// State is a step of an update run.
type State int

const (
	Idle State = iota
	DetectingChanges
	NoChanges
	Detected
	BuildingGraph
	IdentifyingAffectedModules
	RegeneratingModules
	UpdatingCoreIndex
	Validating
	Success
	ValidationFailed
	FallingBackToFullRegeneration
)

var stateNames = [...]string{
	Idle:                          "idle",
	DetectingChanges:              "detecting_changes",
	NoChanges:                     "no_changes",
	Detected:                      "detected",
	BuildingGraph:                 "building_graph",
	IdentifyingAffectedModules:    "identifying_affected_modules",
	RegeneratingModules:           "regenerating_modules",
	UpdatingCoreIndex:             "updating_core_index",
	Validating:                    "validating",
	Success:                       "success",
	ValidationFailed:              "validation_failed",
	FallingBackToFullRegeneration: "falling_back_to_full_regeneration",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders states by name in reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown update state %q", text)
}

// next lists the forward transitions. Any state may return to Idle when a
// run is aborted.
var next = map[State][]State{
	Idle:                          {DetectingChanges, FallingBackToFullRegeneration},
	DetectingChanges:              {NoChanges, Detected, FallingBackToFullRegeneration},
	NoChanges:                     {Idle},
	Detected:                      {BuildingGraph},
	BuildingGraph:                 {IdentifyingAffectedModules, FallingBackToFullRegeneration},
	IdentifyingAffectedModules:    {RegeneratingModules, FallingBackToFullRegeneration},
	RegeneratingModules:           {UpdatingCoreIndex, FallingBackToFullRegeneration},
	UpdatingCoreIndex:             {Validating, FallingBackToFullRegeneration},
	Validating:                    {Success, ValidationFailed},
	Success:                       {Idle},
	ValidationFailed:              {FallingBackToFullRegeneration, Idle},
	FallingBackToFullRegeneration: {Validating},
}

// Allowed reports whether the state machine may move from one state to another.
func Allowed(from, to State) bool {
	if to == Idle {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Mode selects how an update run rebuilds the index.
type Mode string

const (
	// ModeIncremental rebuilds only the modules affected by changes.
	ModeIncremental Mode = "incremental"
	// ModeFull rebuilds every document.
	ModeFull Mode = "full"
	// ModeSkipDetails rebuilds the core only and drops module documents.
	ModeSkipDetails Mode = "skip-details"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeIncremental, ModeFull, ModeSkipDetails:
		return m, nil
	}
	return "", fmt.Errorf("unknown update mode %q (want incremental, full or skip-details)", s)
}

// Report describes what an update run did.
type Report struct {
	RunID       string        `json:"run_id"`
	Mode        Mode          `json:"mode"`
	Transitions []Transition  `json:"transitions"`
	Changes     vcs.ChangeSet `json:"changes"`

	// AffectedFiles are the changed files plus their direct dependents.
	AffectedFiles      []string `json:"affected_files,omitempty"`
	RegeneratedModules []string `json:"regenerated_modules,omitempty"`
	RemovedModules     []string `json:"removed_modules,omitempty"`

	// FullRegeneration is set when the run rebuilt everything, with the
	// cause in Reason.
	FullRegeneration bool   `json:"full_regeneration"`
	Reason           string `json:"reason,omitempty"`
	// BackupPath is the copy taken before an unreadable index was replaced.
	BackupPath string `json:"backup_path,omitempty"`
}

// States returns the visited states in order, starting with Idle.
func (r *Report) States() []State {
	if len(r.Transitions) == 0 {
		return nil
	}
	out := []State{r.Transitions[0].From}
	for _, t := range r.Transitions {
		out = append(out, t.To)
	}
	return out
}

// Written reports whether the run changed anything on disk.
func (r *Report) Written() bool {
	return r.FullRegeneration || len(r.RegeneratedModules) > 0 || len(r.RemovedModules) > 0
}
