package state

import (
	"strings"
	"time"

	"git.sr.ht/~taiite/ircore/casemap"
	"git.sr.ht/~taiite/ircore/irc"
)

// Channel is a joined or observed channel.
type Channel struct {
	Name string // display name, first-seen casing

	Topic     string
	TopicWho  *irc.Prefix
	TopicTime time.Time

	// Modes holds settings/params/flags (CHANMODES B/C/D), keyed by mode
	// letter; value is the argument for B and C modes and "" for flag
	// modes (D). Unsetting a mode deletes its entry.
	Modes map[byte]string
	// ListModes holds list modes (CHANMODES A, e.g. +b/+e/+I) as sets of
	// their mask arguments.
	ListModes map[byte]map[string]struct{}

	Joined  bool
	Created time.Time

	Roster *Users

	key casemap.Casemapped
}

// NewChannel returns a Channel named name, with an empty roster view
// consulting is.
func NewChannel(name string, is *irc.ISupport) *Channel {
	return &Channel{
		Name:      name,
		Modes:     map[byte]string{},
		ListModes: map[byte]map[string]struct{}{},
		Created:   time.Now().UTC(),
		Roster:    NewUsers(is),
		key:       casemap.Key(is.Casemap(), name),
	}
}

// ApplyMode folds a parsed MODE change into the channel's mode state and,
// for PREFIX (user-targeted) modes, into the target user's Mode/Prefix
// strings.
func (c *Channel) ApplyMode(change irc.ModeChange, is *irc.ISupport) error {
	mode := change.Mode

	if is.Rank(mode) >= 0 {
		user := c.Roster.User(change.Param)
		if user == nil {
			return irc.ErrProtocol
		}
		applyPrefixMode(user, change, is)
		if c.Roster.dynamic {
			c.Roster.resort()
		}
		return nil
	}

	switch {
	case strings.IndexByte(is.ChanModes[0], mode) >= 0:
		set := c.ListModes[mode]
		if set == nil {
			set = map[string]struct{}{}
			c.ListModes[mode] = set
		}
		if change.Enable {
			set[change.Param] = struct{}{}
		} else {
			delete(set, change.Param)
		}
	case strings.IndexByte(is.ChanModes[1], mode) >= 0,
		strings.IndexByte(is.ChanModes[2], mode) >= 0:
		if change.Enable {
			c.Modes[mode] = change.Param
		} else {
			delete(c.Modes, mode)
		}
	default:
		if change.Enable {
			c.Modes[mode] = ""
		} else {
			delete(c.Modes, mode)
		}
	}
	return nil
}

// applyPrefixMode updates a user's Mode/Prefix strings, keeping
// len(Mode) == len(Prefix) with both in PREFIX rank order.
func applyPrefixMode(user *User, change irc.ModeChange, is *irc.ISupport) {
	mode := change.Mode
	has := strings.IndexByte(user.Mode, mode) >= 0

	if change.Enable == has {
		return
	}
	if change.Enable {
		user.Mode += string(mode)
	} else {
		i := strings.IndexByte(user.Mode, mode)
		user.Mode = user.Mode[:i] + user.Mode[i+1:]
	}

	user.Mode, user.Prefix = rebuildModeAndPrefix(user.Mode, is)
}

// rebuildModeAndPrefix re-derives both Mode and Prefix in PREFIX rank
// order (most privileged first), so index i of one always corresponds to
// index i of the other regardless of the order mode changes arrived in.
func rebuildModeAndPrefix(mode string, is *irc.ISupport) (string, string) {
	var modeSb, prefixSb strings.Builder
	for i := 0; i < len(is.PrefixModes); i++ {
		m := is.PrefixModes[i]
		if strings.IndexByte(mode, m) >= 0 {
			modeSb.WriteByte(m)
			prefixSb.WriteByte(is.PrefixSyms[i])
		}
	}
	return modeSb.String(), prefixSb.String()
}
