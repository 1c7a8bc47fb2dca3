package irc

import (
	"strconv"
	"strings"
	"time"
)

// Composer coalesces multi-line server replies (MOTD, NAMES, WHO, WHOIS,
// WHOWAS) into single logical Events. It holds at most one
// in-flight aggregate per kind; a new start-of-aggregate message of the
// same kind discards the incomplete one (with a Diagnostic) and begins
// fresh, matching a server reset.
type Composer struct {
	is *ISupport

	motd   *motdAggregate
	names  *namesAggregate
	who    *whoAggregate
	whois  *whoisAggregate
	whowas *whowasAggregate
}

// NewComposer returns a Composer that consults is for PREFIX parsing of
// NAMES replies.
func NewComposer(is *ISupport) *Composer {
	return &Composer{is: is}
}

type motdAggregate struct {
	lines []string
}

type namesAggregate struct {
	channel string
	names   []Member
	seen    map[string]struct{}
}

type whoAggregate struct {
	target  string
	entries []WhoEntry
}

type whoisAggregate struct {
	result WhoisResult
}

type whowasAggregate struct {
	result WhowasResult
}

// Feed processes one Message, returning a composite Event when an
// aggregate completes (or for the single-message "immediate" replies of
// the composer table), and a Diagnostic when a prior in-flight aggregate
// was discarded by a reset. Both may be non-nil at once is not possible:
// a reset only happens when a *new* start message arrives, which is
// itself routed to start a new aggregate, not to complete the old one.
func (c *Composer) Feed(msg Message) (ev Event, diag *Diagnostic) {
	switch msg.Command {
	case rplMotdstart:
		if c.motd != nil {
			diag = &Diagnostic{Err: ErrProtocol, Message: msg}
		}
		c.motd = &motdAggregate{}
		return nil, diag
	case rplMotd:
		if c.motd == nil {
			c.motd = &motdAggregate{}
		}
		if len(msg.Params) >= 2 {
			c.motd.lines = append(c.motd.lines, msg.Params[len(msg.Params)-1])
		}
		return nil, nil
	case rplEndofmotd, errNomotd:
		if c.motd == nil {
			return nil, nil
		}
		lines := c.motd.lines
		c.motd = nil
		return MotdEvent{Lines: lines, Time: msg.TimeOrNow()}, nil

	case rplNamreply:
		if len(msg.Params) < 4 {
			return nil, &Diagnostic{Err: ErrMalformed, Message: msg}
		}
		channel := msg.Params[2]
		channelCf := channel
		if c.is != nil {
			channelCf = c.is.Casemap()(channel)
		}
		if c.names == nil || c.names.channel != channelCf {
			if c.names != nil {
				diag = &Diagnostic{Err: ErrProtocol, Message: msg}
			}
			c.names = &namesAggregate{channel: channelCf, seen: map[string]struct{}{}}
		}
		prefixSyms := "@+"
		if c.is != nil {
			prefixSyms = c.is.PrefixSyms
		}
		for _, m := range ParseNameReply(msg.Params[len(msg.Params)-1], prefixSyms) {
			key := m.Name.Name
			if c.is != nil {
				key = c.is.Casemap()(key)
			}
			if _, dup := c.names.seen[key]; dup {
				continue
			}
			c.names.seen[key] = struct{}{}
			c.names.names = append(c.names.names, m)
		}
		return nil, diag
	case rplEndofnames:
		if c.names == nil {
			return nil, nil
		}
		channel := ""
		if len(msg.Params) >= 2 {
			channel = msg.Params[len(msg.Params)-2]
		}
		names := c.names.names
		c.names = nil
		return NamesEvent{Channel: channel, Names: names, Time: msg.TimeOrNow()}, nil

	case rplWhoreply:
		if len(msg.Params) < 8 {
			return nil, &Diagnostic{Err: ErrMalformed, Message: msg}
		}
		if c.who == nil {
			c.who = &whoAggregate{target: msg.Params[1]}
		}
		flags := msg.Params[6]
		hopRealName := msg.Params[7]
		hop, realName := splitHopRealName(hopRealName)
		c.who.entries = append(c.who.entries, WhoEntry{
			Channel:  msg.Params[1],
			Username: msg.Params[2],
			Host:     msg.Params[3],
			Server:   msg.Params[4],
			Nick:     msg.Params[5],
			Away:     strings.IndexByte(flags, 'G') >= 0,
			Operator: strings.IndexByte(flags, '*') >= 0,
			HopCount: hop,
			RealName: realName,
		})
		return nil, nil
	case rplEndofwho:
		if c.who == nil {
			return nil, nil
		}
		entries := c.who.entries
		c.who = nil
		return WhoEvent{Target: msg.Params[len(msg.Params)-2], Entries: entries, Time: msg.TimeOrNow()}, nil

	case rplWhoisuser:
		if c.whois != nil {
			diag = &Diagnostic{Err: ErrProtocol, Message: msg}
		}
		c.whois = &whoisAggregate{}
		// "<client> <nick> <user> <host> * :<realname>": params[4] is a
		// literal "*", the realname is the trailing parameter.
		if len(msg.Params) >= 6 {
			c.whois.result.Nick = msg.Params[1]
			c.whois.result.User = msg.Params[2]
			c.whois.result.Host = msg.Params[3]
			c.whois.result.RealName = msg.Params[5]
		}
		return nil, diag
	case rplWhoisserver:
		r := c.whoisSlot()
		if len(msg.Params) >= 3 {
			r.Server = msg.Params[2]
			r.ServerInfo = msg.Params[len(msg.Params)-1]
		}
		return nil, nil
	case rplWhoisoperator:
		c.whoisSlot().Operator = true
		return nil, nil
	case rplWhoisidle:
		r := c.whoisSlot()
		if len(msg.Params) >= 4 {
			if secs, ok := parseInt(msg.Params[2]); ok {
				r.IdleSecs = secs
			}
			if signon, ok := parseInt(msg.Params[3]); ok {
				r.SignonAt = unixTime(signon)
			}
		}
		return nil, nil
	case rplWhoischannels:
		r := c.whoisSlot()
		if len(msg.Params) >= 3 {
			r.Channels = strings.Fields(msg.Params[2])
		}
		return nil, nil
	case rplWhoisaccount:
		r := c.whoisSlot()
		if len(msg.Params) >= 3 {
			r.Account = msg.Params[2]
		}
		return nil, nil
	case rplWhoishost:
		c.whoisSlot()
		return nil, nil
	case rplWhoissecure:
		c.whoisSlot().Secure = true
		return nil, nil
	case rplEndofwhois:
		if c.whois == nil {
			return nil, nil
		}
		result := c.whois.result
		c.whois = nil
		return WhoisEvent{Result: result, Time: msg.TimeOrNow()}, nil

	case rplWhowasuser:
		if c.whowas != nil {
			diag = &Diagnostic{Err: ErrProtocol, Message: msg}
		}
		c.whowas = &whowasAggregate{}
		if len(msg.Params) >= 6 {
			c.whowas.result.Nick = msg.Params[1]
			c.whowas.result.User = msg.Params[2]
			c.whowas.result.Host = msg.Params[3]
			c.whowas.result.RealName = msg.Params[5]
		}
		return nil, diag
	case rplEndofwhowas:
		if c.whowas == nil {
			return nil, nil
		}
		result := c.whowas.result
		c.whowas = nil
		return WhowasEvent{Result: result, Time: msg.TimeOrNow()}, nil

	case rplTopic:
		if len(msg.Params) >= 3 {
			return TopicChangeEvent{Channel: msg.Params[1], Topic: msg.Params[2], Time: msg.TimeOrNow()}, nil
		}
	case rplNotopic:
		if len(msg.Params) >= 2 {
			return TopicChangeEvent{Channel: msg.Params[1], Topic: "", Time: msg.TimeOrNow()}, nil
		}
	case rplInviting, rplInvited:
		if len(msg.Params) >= 3 {
			return InviteEvent{Invitee: msg.Params[1], Channel: msg.Params[2]}, nil
		}
	case rplChannelmodeis:
		if len(msg.Params) >= 3 && c.is != nil {
			changes, err := ParseChannelMode(msg.Params[2], msg.Params[3:], c.is.ChanModes, c.is.PrefixModes)
			if err != nil {
				return nil, &Diagnostic{Err: err, Message: msg}
			}
			return ModeChangeEvent{Channel: msg.Params[1], Changes: changes, Time: msg.TimeOrNow()}, nil
		}
	case rplAway:
		if len(msg.Params) >= 3 {
			return AwayEvent{User: msg.Params[1], Away: true, Message: msg.Params[2]}, nil
		}
	case rplUnaway:
		return AwayEvent{Away: false}, nil
	case rplNowaway:
		return AwayEvent{Away: true}, nil
	}
	return nil, nil
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func unixTime(secs int) time.Time {
	return time.Unix(int64(secs), 0).UTC()
}

// whoisSlot returns the record a WHOIS continuation numeric fills in.
// WHOWAS replies reuse the WHOIS continuation numerics, so when only a
// WHOWAS is in flight the continuation lands there; otherwise a WHOIS
// aggregate is created on demand.
func (c *Composer) whoisSlot() *WhoisResult {
	if c.whois == nil && c.whowas != nil {
		return &c.whowas.result.WhoisResult
	}
	if c.whois == nil {
		c.whois = &whoisAggregate{}
	}
	return &c.whois.result
}

// splitHopRealName parses the "<hop count> <realname>" trailing parameter
// of RPL_WHOREPLY.
func splitHopRealName(s string) (hop int, realName string) {
	head, rest := word(s)
	for _, r := range head {
		if r < '0' || '9' < r {
			return 0, s
		}
	}
	n := 0
	for _, r := range head {
		n = n*10 + int(r-'0')
	}
	return n, rest
}
