// Package table is the interactive console shared by the host and join
// commands: it parses player input, dispatches it to a node, and renders
// node events.
package table

import (
	"errors"
	"fmt"
	"strings"
)

type Action int

const (
	ActCommand Action = iota
	ActSay
	ActSpawn
	ActSave
	ActLoad
	ActWho
	ActInventory
	ActHelp
	ActQuit
)

// DefaultSaveSlot is used by /save without a slot name.
const DefaultSaveSlot = "quicksave"

var errUsage = errors.New("usage")

// Input is one parsed console line.
type Input struct {
	Action  Action
	Text    string
	Name    string
	Persona string
	Slot    string
}

// ParseInput parses one trimmed, non-empty line. Plain text is a command
// for the narrator; lines starting with '/' are console verbs.
func ParseInput(line string) (Input, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Input{}, errors.New("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return Input{Action: ActCommand, Text: line}, nil
	}

	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(verb) {
	case "say":
		if rest == "" {
			return Input{}, fmt.Errorf("%w: /say <text>", errUsage)
		}
		return Input{Action: ActSay, Text: rest}, nil
	case "spawn":
		name, persona, _ := strings.Cut(rest, " ")
		if name == "" {
			return Input{}, fmt.Errorf("%w: /spawn <name> [persona]", errUsage)
		}
		return Input{Action: ActSpawn, Name: name, Persona: strings.TrimSpace(persona)}, nil
	case "save":
		if rest == "" {
			rest = DefaultSaveSlot
		}
		return Input{Action: ActSave, Slot: rest}, nil
	case "load":
		if rest == "" {
			return Input{}, fmt.Errorf("%w: /load <slot>", errUsage)
		}
		return Input{Action: ActLoad, Slot: rest}, nil
	case "who":
		return Input{Action: ActWho}, nil
	case "inv", "inventory":
		return Input{Action: ActInventory}, nil
	case "help", "?":
		return Input{Action: ActHelp}, nil
	case "quit", "exit":
		return Input{Action: ActQuit}, nil
	}
	return Input{}, fmt.Errorf("unknown command /%s (try /help)", verb)
}

const helpText = `Type an action to send it to the narrator, or:
  /say <text>              chat with the table
  /spawn <name> [persona]  add an automated player (host only)
  /save [slot]             save the session
  /load <slot>             restore a saved session (host only)
  /who                     list the party
  /inv                     show your inventory
  /quit                    leave`
