package triage

import "fmt"

// Level is an ESI urgency level. 1 is the most urgent, 5 the least.
type Level int

const (
	LevelResuscitation Level = 1
	LevelEmergent      Level = 2
	LevelUrgent        Level = 3
	LevelLessUrgent    Level = 4
	LevelNonUrgent     Level = 5
)

// Clamp forces l into 1..5.
func (l Level) Clamp() Level {
	switch {
	case l < LevelResuscitation:
		return LevelResuscitation
	case l > LevelNonUrgent:
		return LevelNonUrgent
	default:
		return l
	}
}

// Valid reports whether l is already within 1..5.
func (l Level) Valid() bool {
	return l >= LevelResuscitation && l <= LevelNonUrgent
}

// RequiresHuman reports whether a case at this level must reach staff.
func (l Level) RequiresHuman() bool {
	return l <= LevelEmergent
}

func (l Level) String() string {
	return fmt.Sprintf("ESI-%d", int(l))
}

var levelActions = map[Level]string{
	LevelResuscitation: "Immediate transfer to emergency response team",
	LevelEmergent:      "Priority routing to available healthcare provider",
	LevelUrgent:        "Schedule consultation within 24 hours",
	LevelLessUrgent:    "Schedule a routine appointment",
	LevelNonUrgent:     "Provide self-care instructions and resources",
}

// Action is the default recommended action for the level.
func (l Level) Action() string {
	return levelActions[l.Clamp()]
}
