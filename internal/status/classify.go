package status

import "regexp"

// State is a coarse classification of a raw status description.
type State int

const (
	StateUnknown State = iota
	StateInCall
	StateFree
	StatePaused
)

// The raw descriptions come from two different sources with no shared
// vocabulary (and a mix of English and Portuguese), so classification is
// pattern-based rather than an enum match.
var (
	inCallPattern = regexp.MustCompile(`(?i)(call|chamada|liga[cç][aã]o|atendimento|busy|ocupado)`)
	freePattern   = regexp.MustCompile(`(?i)(free|livre|dispon[ií]vel|available|online|idle)`)
	pausedPattern = regexp.MustCompile(`(?i)(pause|pausa|break|intervalo|almo[cç]o|lunch)`)
)

// Classify maps a raw status description to a State. An empty or
// unrecognized description is StateUnknown.
func Classify(description string) State {
	switch {
	case description == "":
		return StateUnknown
	case inCallPattern.MatchString(description):
		return StateInCall
	case pausedPattern.MatchString(description):
		return StatePaused
	case freePattern.MatchString(description):
		return StateFree
	default:
		return StateUnknown
	}
}
