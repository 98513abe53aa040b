package command

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Entry is one command in a command set.
type Entry struct {
	Command string `json:"command"`
}

// RobotCommands is the command package for one robot.
type RobotCommands struct {
	RobotID      string  `json:"robot_id"`
	CommandCount int     `json:"command_count"`
	CommandSet   []Entry `json:"command_set"`
}

// Envelope is the payload published on the central commands topic.
type Envelope struct {
	Commands []RobotCommands `json:"commands"`
}

// NewEnvelope wraps cmds for robot rid.
func NewEnvelope(rid int, cmds []string) Envelope {
	set := make([]Entry, 0, len(cmds))
	for _, c := range cmds {
		set = append(set, Entry{Command: c})
	}
	return Envelope{Commands: []RobotCommands{{
		RobotID:      strconv.Itoa(rid),
		CommandCount: len(set),
		CommandSet:   set,
	}}}
}

// Encode renders the command package for rid as JSON.
func Encode(rid int, cmds []string) ([]byte, error) {
	return json.Marshal(NewEnvelope(rid, cmds))
}

// Decode parses an envelope into per-robot command lists.
func Decode(payload []byte) (map[int][]string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}
	out := make(map[int][]string, len(env.Commands))
	for _, rc := range env.Commands {
		rid, err := strconv.Atoi(rc.RobotID)
		if err != nil {
			return nil, fmt.Errorf("decode command envelope: robot_id %q: %w", rc.RobotID, err)
		}
		for _, e := range rc.CommandSet {
			out[rid] = append(out[rid], e.Command)
		}
	}
	return out, nil
}
