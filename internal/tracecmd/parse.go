package tracecmd

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Verb is the first word of every control command.
	Verb = "TRACE"
	// ForwardMarker separates the dispatcher options from the command line
	// forwarded to the launched process.
	ForwardMarker = "mld"
)

// Op identifies the operation a command requests.
type Op string

const (
	OpStart    Op = "start"
	OpStop     Op = "stop"
	OpQuery    Op = "query"
	OpConfPath Op = "confpath"
)

var (
	ErrEmptyCommand       = errors.New("tracecmd: empty command")
	ErrUnknownVerb        = errors.New("tracecmd: unknown verb")
	ErrMissingOptions     = errors.New("tracecmd: no option mark")
	ErrUnknownOption      = errors.New("tracecmd: unknown option")
	ErrMissingArgument    = errors.New("tracecmd: option requires an argument")
	ErrUnexpectedArgument = errors.New("tracecmd: option takes no argument")
	ErrNoOption           = errors.New("tracecmd: no option given")
	ErrMissingForward     = errors.New("tracecmd: start requires a forwarded mld command")
)

// Command is one parsed control request.
type Command struct {
	Op Op
	// Name is the session name for start and stop.
	Name string
	// Forward is the command line handed to the launcher for start. It has
	// the form "mld <args...> <dir>".
	Forward string
}

type optionDef struct {
	op       Op
	needsArg bool
}

var shortOptions = map[byte]optionDef{
	's': {op: OpStart, needsArg: true},
	'k': {op: OpStop, needsArg: true},
	'q': {op: OpQuery},
	'c': {op: OpConfPath},
}

var longOptions = map[string]optionDef{
	"start":    {op: OpStart, needsArg: true},
	"stop":     {op: OpStop, needsArg: true},
	"query":    {op: OpQuery},
	"confpath": {op: OpConfPath},
}

// Parse turns a single request line into a Command. It keeps no state
// between calls and is safe for concurrent use.
//
// Only the first option of the dispatcher segment is honoured. Words that
// are not options are skipped until one is found, and "--" ends the search.
// For start, words following the session name are a log directory and extra
// mld flags; they are folded into the forwarded command line as
// "mld <flags...> <forward-args...> <dir>".
func Parse(line string) (Command, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return Command{}, ErrEmptyCommand
	}
	if words[0] != Verb {
		return Command{}, fmt.Errorf("%q: %w", words[0], ErrUnknownVerb)
	}
	words = words[1:]
	if !hasOptionMark(words) {
		return Command{}, ErrMissingOptions
	}

	segment, forward := words, []string(nil)
	for i, w := range words {
		if w == ForwardMarker {
			segment, forward = words[:i], words[i:]
			break
		}
	}

	def, arg, rest, err := firstOption(segment)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Op: def.op, Name: arg}
	if def.op != OpStart {
		return cmd, nil
	}
	if len(forward) == 0 {
		return Command{}, ErrMissingForward
	}
	cmd.Forward = composeForward(forward, rest)
	return cmd, nil
}

func hasOptionMark(words []string) bool {
	for _, w := range words {
		if strings.HasPrefix(w, "-") {
			return true
		}
	}
	return false
}

// firstOption scans words the way GNU getopt_long does with argument
// permutation and stops after the first option. It returns the option, its
// argument, and the words that follow it.
func firstOption(words []string) (optionDef, string, []string, error) {
	for i := 0; i < len(words); i++ {
		w := words[i]
		switch {
		case w == "--":
			return optionDef{}, "", nil, ErrNoOption
		case strings.HasPrefix(w, "--"):
			name, value, inline := strings.Cut(w[2:], "=")
			def, err := lookupLong(name)
			if err != nil {
				return optionDef{}, "", nil, err
			}
			if !def.needsArg {
				if inline {
					return optionDef{}, "", nil, fmt.Errorf("--%s: %w", name, ErrUnexpectedArgument)
				}
				return def, "", words[i+1:], nil
			}
			if !inline {
				if i+1 >= len(words) {
					return optionDef{}, "", nil, fmt.Errorf("--%s: %w", name, ErrMissingArgument)
				}
				i++
				value = words[i]
			}
			if value == "" {
				return optionDef{}, "", nil, fmt.Errorf("--%s: %w", name, ErrMissingArgument)
			}
			return def, value, words[i+1:], nil
		case len(w) > 1 && w[0] == '-':
			def, ok := shortOptions[w[1]]
			if !ok {
				return optionDef{}, "", nil, fmt.Errorf("-%c: %w", w[1], ErrUnknownOption)
			}
			if !def.needsArg {
				return def, "", words[i+1:], nil
			}
			value := w[2:]
			if value == "" {
				if i+1 >= len(words) {
					return optionDef{}, "", nil, fmt.Errorf("-%c: %w", w[1], ErrMissingArgument)
				}
				i++
				value = words[i]
			}
			return def, value, words[i+1:], nil
		}
	}
	return optionDef{}, "", nil, ErrNoOption
}

// lookupLong resolves a long option name, accepting unambiguous prefixes.
func lookupLong(name string) (optionDef, error) {
	if def, ok := longOptions[name]; ok {
		return def, nil
	}
	var (
		match   optionDef
		matches int
	)
	if name != "" {
		for candidate, def := range longOptions {
			if strings.HasPrefix(candidate, name) {
				match = def
				matches++
			}
		}
	}
	switch matches {
	case 1:
		return match, nil
	case 0:
		return optionDef{}, fmt.Errorf("--%s: %w", name, ErrUnknownOption)
	default:
		return optionDef{}, fmt.Errorf("--%s is ambiguous: %w", name, ErrUnknownOption)
	}
}

func composeForward(forward, extra []string) string {
	if len(extra) == 0 {
		return strings.Join(forward, " ")
	}
	dir, flags := extra[0], extra[1:]
	out := make([]string, 0, len(forward)+len(extra))
	out = append(out, forward[0])
	out = append(out, flags...)
	out = append(out, forward[1:]...)
	out = append(out, dir)
	return strings.Join(out, " ")
}
