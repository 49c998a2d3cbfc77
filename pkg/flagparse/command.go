package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// Command is the subcommand to execute.
type Command int

const (
	None Command = iota
	Serve
	Version
	Init
	Add
	List
)

var commandToString = map[Command]string{
	None:    "none",
	Serve:   "serve",
	Version: "version",
	Init:    "init",
	Add:     "add",
	List:    "list",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'serve', 'init', 'add', 'list' or 'version'", s)
}
