// Package sms turns inbound text messages into engine operations and renders replies.
package sms

import (
	"errors"
	"regexp"
	"strings"
)

// ErrUnknownCommand is returned for text that matches no command.
var ErrUnknownCommand = errors.New("unknown command")

// Verb names a command.
type Verb string

const (
	VerbRegister Verb = "REGISTER"
	VerbBalance  Verb = "BALANCE"
	VerbSend     Verb = "SEND"
	VerbConfirm  Verb = "CONFIRM"
	VerbCancel   Verb = "CANCEL"
	VerbHistory  Verb = "HISTORY"
	VerbHelp     Verb = "HELP"
)

// Command is a parsed inbound message. Unused fields are empty.
type Command struct {
	Verb      Verb
	PIN       string
	Amount    string
	Asset     string
	Recipient string
	Code      string
}

var (
	bareCode = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

	aliases = map[string]Verb{
		"REGISTER": VerbRegister,
		"REG":      VerbRegister,
		"BAL":      VerbBalance,
		"BALANCE":  VerbBalance,
		"SEND":     VerbSend,
		"PAY":      VerbSend,
		"YES":      VerbConfirm,
		"Y":        VerbConfirm,
		"CONFIRM":  VerbConfirm,
		"NO":       VerbCancel,
		"N":        VerbCancel,
		"CANCEL":   VerbCancel,
		"HISTORY":  VerbHistory,
		"HIST":     VerbHistory,
		"HELP":     VerbHelp,
		"?":        VerbHelp,
	}

	arity = map[Verb]int{
		VerbRegister: 1,
		VerbBalance:  1,
		VerbSend:     4,
		VerbConfirm:  1,
		VerbCancel:   0,
		VerbHistory:  1,
		VerbHelp:     0,
	}
)

// Parse reads one message. Keywords are case-insensitive and extra whitespace is ignored.
// A message that is only a six character code is a confirmation.
func Parse(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}

	verb, ok := aliases[strings.ToUpper(fields[0])]
	if !ok {
		if len(fields) == 1 && bareCode.MatchString(fields[0]) {
			return Command{Verb: VerbConfirm, Code: strings.ToUpper(fields[0])}, nil
		}
		return Command{}, ErrUnknownCommand
	}

	args := fields[1:]
	if len(args) != arity[verb] {
		return Command{Verb: verb}, &UsageError{Verb: verb}
	}

	cmd := Command{Verb: verb}
	switch verb {
	case VerbRegister, VerbBalance, VerbHistory:
		cmd.PIN = args[0]
	case VerbSend:
		cmd.Amount, cmd.Asset, cmd.Recipient, cmd.PIN = args[0], strings.ToUpper(args[1]), args[2], args[3]
	case VerbConfirm:
		cmd.Code = strings.ToUpper(args[0])
	}
	return cmd, nil
}

// UsageError reports a known command with the wrong arguments.
type UsageError struct {
	Verb Verb
}

func (e *UsageError) Error() string { return "usage: " + Usage(e.Verb) }

// Usage renders the syntax of a command.
func Usage(v Verb) string {
	switch v {
	case VerbRegister:
		return "REG <PIN>"
	case VerbBalance:
		return "BAL <PIN>"
	case VerbSend:
		return "SEND <amount> <asset> <phone> <PIN>"
	case VerbConfirm:
		return "YES <code>"
	case VerbCancel:
		return "NO"
	case VerbHistory:
		return "HISTORY <PIN>"
	default:
		return "HELP"
	}
}
