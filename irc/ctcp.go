package irc

import "strings"

const ctcpDelim = '\x01'

// CTCPMessage is a parsed CTCP extended-data request, framed inside a
// PRIVMSG/NOTICE trailing parameter as "\x01VERB args\x01".
type CTCPMessage struct {
	Verb string
	Args string
}

// ParseCTCP extracts a CTCPMessage from a PRIVMSG/NOTICE trailing
// parameter, or returns ok=false if content isn't CTCP-framed.
func ParseCTCP(content string) (ctcp CTCPMessage, ok bool) {
	if len(content) < 2 || content[0] != ctcpDelim {
		return ctcp, false
	}
	inner := strings.TrimSuffix(content[1:], string(ctcpDelim))
	verb, args := word(inner)
	ctcp.Verb = strings.ToUpper(verb)
	ctcp.Args = args
	return ctcp, true
}

// FormatCTCP frames a CTCP request/reply as a PRIVMSG/NOTICE trailing
// parameter.
func FormatCTCP(verb, args string) string {
	var sb strings.Builder
	sb.WriteByte(ctcpDelim)
	sb.WriteString(verb)
	if args != "" {
		sb.WriteByte(' ')
		sb.WriteString(args)
	}
	sb.WriteByte(ctcpDelim)
	return sb.String()
}

// IsAction reports whether a CTCPMessage is a "/me" ACTION.
func (c CTCPMessage) IsAction() bool {
	return c.Verb == "ACTION"
}
