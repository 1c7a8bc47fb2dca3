package irc

import (
	"fmt"
	"strings"
)

// ModeChange is a single letter mode toggled by a MODE command, with its
// argument if the mode grammar requires one.
type ModeChange struct {
	Enable bool
	Mode   byte
	Param  string // "" if this mode takes no argument
}

// ParseChannelMode walks a mode-change string (e.g. "+o-v+k") alongside its
// argument list, following the CHANMODES/PREFIX consumption rule:
// an argument is consumed for a mode letter iff it is in chanModes[0]
// (list) or chanModes[1] (setting) unconditionally, in chanModes[2]
// (param-to-set-only) only when the current sign is '+', or in
// prefixModes (always).
func ParseChannelMode(modes string, args []string, chanModes [4]string, prefixModes string) ([]ModeChange, error) {
	var changes []ModeChange
	sign := true
	argi := 0

	takesArg := func(c byte, enable bool) bool {
		switch {
		case strings.IndexByte(chanModes[0], c) >= 0:
			return true
		case strings.IndexByte(chanModes[1], c) >= 0:
			return true
		case strings.IndexByte(chanModes[2], c) >= 0:
			return enable
		case strings.IndexByte(prefixModes, c) >= 0:
			return true
		default:
			return false
		}
	}

	for i := 0; i < len(modes); i++ {
		c := modes[i]
		switch c {
		case '+':
			sign = true
			continue
		case '-':
			sign = false
			continue
		}

		change := ModeChange{Enable: sign, Mode: c}
		if takesArg(c, sign) {
			if argi >= len(args) {
				return changes, fmt.Errorf("%w: mode %q needs an argument but none remain", ErrMalformed, string(c))
			}
			change.Param = args[argi]
			argi++
		}
		changes = append(changes, change)
	}

	return changes, nil
}

// FormatChannelMode renders changes back into a compact "+o-v" string and
// its ordered argument list, the inverse of ParseChannelMode.
func FormatChannelMode(changes []ModeChange) (modes string, args []string) {
	var sb strings.Builder
	sign := true
	first := true
	for _, c := range changes {
		if first || c.Enable != sign {
			sb.WriteByte(map[bool]byte{true: '+', false: '-'}[c.Enable])
			sign = c.Enable
			first = false
		}
		sb.WriteByte(c.Mode)
		if c.Param != "" {
			args = append(args, c.Param)
		}
	}
	return sb.String(), args
}
