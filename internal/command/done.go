package command

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const donePrefix = "DONE;Robot_"

// Done is a parsed completion report from a robot.
type Done struct {
	RobotID int
	Cmd     string
	Mode    string
	Extra   map[string]string
}

// ModeOnly reports whether the completion belongs to a heading-only
// correction.
func (d Done) ModeOnly() bool { return d.Mode == ModeOnly }

// Matches reports whether the report can belong to cmd. Firmware that
// reports a generic cmd such as MOVE matches every command.
func (d Done) Matches(cmd string) bool {
	if d.Cmd == cmd {
		return true
	}
	got, err := Parse(d.Cmd)
	if err != nil {
		return true
	}
	want, err := Parse(cmd)
	if err != nil {
		return false
	}
	return got.Kind == want.Kind && got.Mode == want.Mode && math.Abs(got.Value-want.Value) < 0.05
}

// ParseDone decodes "DONE;Robot_<id>;cmd=<CMD>;mode=<MODE>[;k=v...]".
func ParseDone(payload string) (Done, error) {
	if !strings.HasPrefix(payload, donePrefix) {
		return Done{}, fmt.Errorf("%w: not a DONE report: %q", ErrMalformed, payload)
	}
	parts := strings.Split(strings.TrimSpace(payload), ";")
	idStr := strings.TrimPrefix(parts[1], "Robot_")
	rid, err := strconv.Atoi(idStr)
	if err != nil {
		return Done{}, fmt.Errorf("%w: robot id %q", ErrMalformed, idStr)
	}
	d := Done{RobotID: rid}
	for _, kv := range parts[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "cmd":
			d.Cmd = v
		case "mode":
			d.Mode = v
		default:
			if d.Extra == nil {
				d.Extra = make(map[string]string)
			}
			d.Extra[k] = v
		}
	}
	return d, nil
}

// String renders the report in wire format.
func (d Done) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d;cmd=%s;mode=%s", donePrefix, d.RobotID, d.Cmd, d.Mode)
	keys := make([]string, 0, len(d.Extra))
	for k := range d.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, d.Extra[k])
	}
	return b.String()
}

// DoneMode returns the mode a robot reports when it finishes cmd.
func DoneMode(cmd string) string {
	p, err := Parse(cmd)
	if err != nil {
		return ""
	}
	switch {
	case p.Mode == ModeOnly:
		return ModeOnly
	case p.Mode == ModeC:
		return ModeC
	default:
		return "straight"
	}
}
