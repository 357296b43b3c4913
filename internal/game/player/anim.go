// Package player holds the latest transform and animation state of every
// player in a room.
package player

// Animation is a canonical animation clip of a player or the farmer.
type Animation string

const (
	AnimIdle       Animation = "Idle"
	AnimWalk       Animation = "Walk"
	AnimGallop     Animation = "Gallop"
	AnimGallopJump Animation = "Gallop_Jump"
)

var codeToAnim = map[string]Animation{
	"I": AnimIdle,
	"W": AnimWalk,
	"R": AnimGallop,
	"O": AnimGallopJump,
}

var animToCode = map[Animation]string{
	AnimIdle:       "I",
	AnimWalk:       "W",
	AnimGallop:     "R",
	AnimGallopJump: "O",
}

// ParseAnimCode expands a wire code to its Animation. Unknown codes are Idle.
func ParseAnimCode(code string) Animation {
	if a, ok := codeToAnim[code]; ok {
		return a
	}
	return AnimIdle
}

// Code returns the compact wire code. Unknown animations encode as "I".
func (a Animation) Code() string {
	if c, ok := animToCode[a]; ok {
		return c
	}
	return "I"
}
