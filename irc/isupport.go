package irc

import (
	"strconv"
	"strings"
	"unicode"

	"git.sr.ht/~taiite/ircore/casemap"
)

// ISupport is a server's advertised capability set, parsed from RPL_ISUPPORT
// (005) numerics.
type ISupport struct {
	CaseMapping string
	ChanTypes   string
	ChanModes   [4]string // A: list, B: setting, C: param-on-set-only, D: flag
	PrefixModes string    // mode letters, rank order, most privileged first
	PrefixSyms  string    // matching prefix characters
	NickLen     int
	ChannelLen  int
	TopicLen    int
	Modes       int
	Network     string
	StatusMsg   string
	Monitor     int // advertised target limit; 0 when absent or given without a value
	ChanLimit   string
	Excepts     string
	Invex       string
	WhoX        bool

	// Raw retains unrecognized keys verbatim.
	Raw map[string]string
}

// NewISupport returns an ISupport populated with spec defaults.
func NewISupport() *ISupport {
	is := &ISupport{
		CaseMapping: "rfc1459",
		ChanTypes:   "#&",
		ChanModes:   [4]string{"b", "k", "l", "imnpstr"},
		PrefixModes: "ov",
		PrefixSyms:  "@+",
		NickLen:     9,
		ChannelLen:  200,
		TopicLen:    390,
		Modes:       3,
		Raw:         map[string]string{},
	}
	return is
}

// Casemap returns the casemap.Func selected by CASEMAPPING.
func (is *ISupport) Casemap() casemap.Func {
	return casemap.ByName(is.CaseMapping)
}

// Apply folds the tokens of a single RPL_ISUPPORT message (its middle
// parameters, excluding the nick and the trailing ":are supported by this
// server") into is. Negated tokens ("-KEY") only remove the Raw entry;
// the structured fields are additive, since servers essentially never
// retract 005 tokens mid-session.
// TODO: apply negations to the structured fields too.
func (is *ISupport) Apply(tokens []string) {
	for _, tok := range tokens {
		if tok == "" || tok == "-" {
			continue
		}

		negate := false
		if strings.HasPrefix(tok, "-") {
			negate = true
			tok = tok[1:]
		}

		kv := strings.SplitN(tok, "=", 2)
		key := strings.ToUpper(kv[0])
		var value string
		if len(kv) > 1 {
			value = kv[1]
		}

		if negate {
			delete(is.Raw, key)
			continue
		}

		is.Raw[key] = value

		switch key {
		case "CASEMAPPING":
			is.CaseMapping = value
		case "CHANTYPES":
			is.ChanTypes = value
		case "CHANMODES":
			parts := strings.SplitN(value, ",", 5)
			for i := 0; i < len(parts) && i < len(is.ChanModes); i++ {
				is.ChanModes[i] = parts[i]
			}
		case "PREFIX":
			parsePrefix(is, value)
		case "NICKLEN":
			if n, err := strconv.Atoi(value); err == nil {
				is.NickLen = n
			}
		case "CHANNELLEN":
			if n, err := strconv.Atoi(value); err == nil {
				is.ChannelLen = n
			}
		case "TOPICLEN":
			if n, err := strconv.Atoi(value); err == nil {
				is.TopicLen = n
			}
		case "MODES":
			if n, err := strconv.Atoi(value); err == nil {
				is.Modes = n
			}
		case "NETWORK":
			is.Network = value
		case "STATUSMSG":
			is.StatusMsg = value
		case "MONITOR":
			if n, err := strconv.Atoi(value); err == nil {
				is.Monitor = n
			}
		case "CHANLIMIT":
			is.ChanLimit = value
		case "EXCEPTS":
			is.Excepts = value
		case "INVEX":
			is.Invex = value
		case "WHOX":
			is.WhoX = true
		}
	}
}

// parsePrefix parses a "(modes)prefixes" PREFIX value into two equal-length,
// rank-ordered strings. Malformed values (no "(modes)" group, mode and
// symbol lists of unequal length, non-ASCII) are ignored, leaving the
// previous setting untouched.
func parsePrefix(is *ISupport, value string) {
	if value == "" {
		is.PrefixModes = ""
		is.PrefixSyms = ""
		return
	}
	if value[0] != '(' {
		return
	}
	closeIdx := strings.IndexByte(value, ')')
	if closeIdx < 0 {
		return
	}
	modes := value[1:closeIdx]
	syms := value[closeIdx+1:]
	if len(modes) != len(syms) {
		return
	}
	for _, r := range modes + syms {
		if unicode.MaxASCII < r {
			return
		}
	}
	is.PrefixModes = modes
	is.PrefixSyms = syms
}

// Rank returns the PREFIX rank of mode (0 = highest privilege), or -1 if
// mode isn't a PREFIX mode letter.
func (is *ISupport) Rank(mode byte) int {
	return strings.IndexByte(is.PrefixModes, mode)
}

// SymbolFor returns the prefix symbol for a PREFIX mode letter, or 0.
func (is *ISupport) SymbolFor(mode byte) byte {
	i := is.Rank(mode)
	if i < 0 {
		return 0
	}
	return is.PrefixSyms[i]
}

// ModeForSymbol returns the PREFIX mode letter for a prefix symbol (the
// inverse of SymbolFor), or 0 if sym isn't a recognized PREFIX symbol.
func (is *ISupport) ModeForSymbol(sym byte) byte {
	i := strings.IndexByte(is.PrefixSyms, sym)
	if i < 0 {
		return 0
	}
	return is.PrefixModes[i]
}

// IsChannel reports whether name begins with a channel-type character.
func (is *ISupport) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(is.ChanTypes, name[0]) >= 0
}
