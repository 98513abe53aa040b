// Package command builds and parses the motion command strings understood by
// the robot firmware, the JSON command envelope and the DONE completion
// messages.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Motion primitives and mode suffixes.
const (
	Stay = "Stay"

	ModeOnly = "modeOnly"
	ModeA    = "modeA"
	ModeC    = "modeC"
)

// Per-robot control directives sent on the robot's control topic.
const (
	Resume        = "RE"
	Pause         = "S"
	EmergencyStop = "im_S"
)

// Kind identifies a motion primitive.
type Kind byte

const (
	KindStay    Kind = 'W'
	KindForward Kind = 'F'
	KindLeft    Kind = 'L'
	KindRight   Kind = 'R'
	KindTurn    Kind = 'T'
)

// ErrMalformed is returned for command strings that cannot be parsed.
var ErrMalformed = errors.New("malformed command")

// Primitive is a parsed motion command.
type Primitive struct {
	Kind  Kind
	Value float64
	Mode  string
}

// Parse decodes strings such as "F10.0_modeA", "L90", "T185" or
// "R3.5_modeOnly".
func Parse(cmd string) (Primitive, error) {
	if cmd == Stay {
		return Primitive{Kind: KindStay}, nil
	}
	if len(cmd) < 2 {
		return Primitive{}, fmt.Errorf("%w: %q", ErrMalformed, cmd)
	}
	kind := Kind(cmd[0])
	switch kind {
	case KindForward, KindLeft, KindRight, KindTurn:
	default:
		return Primitive{}, fmt.Errorf("%w: %q", ErrMalformed, cmd)
	}
	body, mode, _ := strings.Cut(cmd[1:], "_")
	v, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return Primitive{}, fmt.Errorf("%w: %q: %v", ErrMalformed, cmd, err)
	}
	return Primitive{Kind: kind, Value: v, Mode: mode}, nil
}

// String renders the primitive back into firmware syntax.
func (p Primitive) String() string {
	if p.Kind == KindStay {
		return Stay
	}
	var b strings.Builder
	b.WriteByte(byte(p.Kind))
	if p.Mode == "" && p.Value == float64(int(p.Value)) {
		b.WriteString(strconv.Itoa(int(p.Value)))
	} else {
		b.WriteString(strconv.FormatFloat(p.Value, 'f', 1, 64))
	}
	if p.Mode != "" {
		b.WriteByte('_')
		b.WriteString(p.Mode)
	}
	return b.String()
}

// IsModeOnly reports whether cmd is a heading-only correction.
func IsModeOnly(cmd string) bool {
	return strings.HasSuffix(cmd, "_"+ModeOnly)
}

// IsForward reports whether cmd is a forward motion.
func IsForward(cmd string) bool {
	return strings.HasPrefix(cmd, "F")
}

// TurnAngle returns the signed rotation of a leading heading-only turn:
// positive for L (counter-clockwise), negative for R. ok is false for any
// other command.
func TurnAngle(cmd string) (deg float64, ok bool) {
	if !IsModeOnly(cmd) {
		return 0, false
	}
	p, err := Parse(cmd)
	if err != nil {
		return 0, false
	}
	switch p.Kind {
	case KindLeft:
		return p.Value, true
	case KindRight:
		return -p.Value, true
	}
	return 0, false
}

// Forward returns "F<dist>_<mode>".
func Forward(distCM float64, mode string) string {
	return Primitive{Kind: KindForward, Value: distCM, Mode: mode}.String()
}

// Rotate returns a heading-only turn by deg degrees, counter-clockwise when
// deg is positive.
func Rotate(deg float64) string {
	v := round1(deg)
	kind := KindRight
	if v > 0 {
		kind = KindLeft
	}
	return Primitive{Kind: kind, Value: abs(v), Mode: ModeOnly}.String()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func round1(v float64) float64 {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	r, _ := strconv.ParseFloat(s, 64)
	return r
}
