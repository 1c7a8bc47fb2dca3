package state

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"git.sr.ht/~taiite/ircore/irc"
)

// Numeric replies the FSM dispatches on directly; everything else numeric
// goes through the composer.
const (
	rplWelcome  = "001"
	rplIsupport = "005"

	errErroneusnickname = "432"
	errNicknameinuse    = "433"
	errPasswdmismatch   = "464"
	errYourebannedcreep = "465"

	rplMononline  = "730"
	rplMonoffline = "731"

	rplLoggedin    = "900"
	errNicklocked  = "902"
	rplSaslsuccess = "903"
	errSaslfail    = "904"
	errSasltoolong = "905"
	errSaslaborted = "906"
)

// ConnState is a state of the connection state machine.
type ConnState int

const (
	Inactive ConnState = iota
	Connecting
	Negotiating
	Registered
	Backoff
	Closing
)

// SASLMechanism selects the SASL authentication method (PLAIN: base64 of
// "\0user\0pass"; EXTERNAL: a bare "+").
type SASLMechanism int

const (
	SASLNone SASLMechanism = iota
	SASLPlain
	SASLExternal
)

// SupportedCaps is the set of capabilities this session will CAP REQ when
// advertised, as a slice so request order is deterministic.
var SupportedCaps = []string{
	"away-notify",
	"batch",
	"cap-notify",
	"echo-message",
	"invite-notify",
	"message-tags",
	"multi-prefix",
	"server-time",
	"sasl",
	"setname",
	"draft/chathistory",
	"draft/event-playback",
	"soju.im/bouncer-networks",
	"soju.im/read",
	"soju.im/search",
}

// SessionParams configures a Session's registration identity and timers.
type SessionParams struct {
	Nick     string
	User     string
	RealName string
	Password string

	SASLMechanism SASLMechanism
	SASLAccount   string
	SASLPassword  string

	PingInterval time.Duration
	PingTimeout  time.Duration

	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
}

// DefaultParams fills in the default timer settings.
func DefaultParams() SessionParams {
	return SessionParams{
		PingInterval:   60 * time.Second,
		PingTimeout:    60 * time.Second,
		ReconnectDelay: 1 * time.Second,
		ReconnectMax:   300 * time.Second,
	}
}

const maxNickAttempts = 3

var alwaysSendable = map[string]bool{
	"CAP": true, "NICK": true, "USER": true, "PASS": true,
	"PING": true, "PONG": true, "QUIT": true, "AUTHENTICATE": true,
}

// Session is the connection state machine: registration, CAP
// negotiation, SASL, ping/pong liveness, and reconnect backoff, wired to
// the reply composer and the roster/buffer state. It owns no transport:
// the host feeds received lines in through Feed and drains queued writes
// through Outbox, so any transport that moves lines can drive it.
type Session struct {
	params SessionParams
	state  ConnState

	is       *irc.ISupport
	composer *irc.Composer
	buffers  *Buffers
	backoff  *ReconnectBackoff

	nick          string
	nickCf        string
	requestedNick string
	nickAttempts  int
	user          string
	host          string
	account       string

	availableCaps map[string]string
	enabledCaps   map[string]struct{}
	capsPending   int
	saslDone      bool

	lastRecv     time.Time
	lastPingSent time.Time
	awaitingPong bool

	outbox  []irc.Message
	pending []irc.Message

	// limiter paces ordinary outbound traffic (PRIVMSG, etc.) so a host
	// draining Outbox() in a tight loop doesn't flood the server;
	// registration/liveness commands (alwaysSendable) bypass it.
	limiter *rate.Limiter

	// pendingJoins tracks channels we've JOINed but not yet finished
	// observing via RPL_ENDOFNAMES; SelfJoinEvent fires on that
	// completion, not on the raw JOIN echo (events.go's SelfJoinEvent
	// doc comment).
	pendingJoins map[string]struct{}

	// monitors is the set of casemapped nicks we've asked the server to
	// watch via MONITOR.
	monitors map[string]struct{}

	// historyReqs guards one in-flight CHATHISTORY request per target;
	// cleared when that target's batch closes.
	historyReqs map[string]struct{}

	// In-flight message batches, keyed by batch reference id. chBatches
	// holds draft/chathistory playback; the targets and search batches
	// have at most one instance each.
	chBatches      map[string]*historyBatch
	targetsBatchID string
	targetsBatch   map[string]time.Time
	searchBatchID  string
	searchMsgs     []irc.Event

	// extraEvents queues additional Events a handler produces besides
	// its single return value (e.g. a BufferAddedEvent alongside a
	// MessageEvent); Feed drains it after every dispatch.
	extraEvents []irc.Event
}

// emit queues an additional Event to surface from the current Feed call.
func (s *Session) emit(ev irc.Event) {
	s.extraEvents = append(s.extraEvents, ev)
}

// NewSession returns a Session in the Inactive state.
func NewSession(params SessionParams) *Session {
	is := irc.NewISupport()
	return &Session{
		params:        params,
		state:         Inactive,
		is:            is,
		composer:      irc.NewComposer(is),
		buffers:       NewBuffers(is),
		backoff:       NewBackoff(params.ReconnectDelay, params.ReconnectMax),
		availableCaps: map[string]string{},
		enabledCaps:   map[string]struct{}{},
		pendingJoins:  map[string]struct{}{},
		monitors:      map[string]struct{}{},
		historyReqs:   map[string]struct{}{},
		chBatches:     map[string]*historyBatch{},
		limiter:       rate.NewLimiter(rate.Limit(1.0/2.0), 4),
	}
}

type historyBatch struct {
	target   string
	messages []irc.Event
}

func (s *Session) State() ConnState        { return s.state }
func (s *Session) ISupport() *irc.ISupport { return s.is }
func (s *Session) Buffers() *Buffers       { return s.buffers }
func (s *Session) Nick() string            { return s.nick }
func (s *Session) NickCf() string          { return s.nickCf }

// HasCapability reports whether capability was successfully negotiated.
func (s *Session) HasCapability(capability string) bool {
	_, ok := s.enabledCaps[capability]
	return ok
}

// Open transitions Inactive → Connecting; the host should then establish
// the transport and call HandleConnected once it is.
func (s *Session) Open() error {
	if s.state != Inactive && s.state != Backoff {
		return fmt.Errorf("%w: session already open", irc.ErrUsage)
	}
	s.state = Connecting
	return nil
}

// HandleConnected transitions Connecting → Negotiating and sends the
// initial registration burst: CAP LS 302, then PASS (if set) before
// NICK, then NICK, USER.
func (s *Session) HandleConnected() error {
	if s.state != Connecting {
		return fmt.Errorf("%w: not connecting", irc.ErrUsage)
	}
	s.state = Negotiating
	s.nick = s.params.Nick
	s.requestedNick = s.params.Nick
	s.nickAttempts = 0
	s.user = s.params.User
	s.saslDone = false
	s.availableCaps = map[string]string{}
	s.enabledCaps = map[string]struct{}{}
	s.capsPending = 0
	s.awaitingPong = false
	now := time.Now().UTC()
	s.lastRecv = now

	s.enqueue(irc.NewMessage("CAP", "LS", "302"))
	if s.params.Password != "" {
		s.enqueue(irc.NewMessage("PASS", s.params.Password))
	}
	s.enqueue(irc.NewMessage("NICK", s.nick))
	s.enqueue(irc.NewMessage("USER", s.user, "0", "*", s.params.RealName))
	return nil
}

// HandleDisconnected transitions to Backoff from any active state and
// returns the delay before the next reconnect attempt.
// It is a no-op, returning 0, from Inactive or Closing (the latter treated
// as an expected close, advancing to Inactive instead).
func (s *Session) HandleDisconnected() time.Duration {
	switch s.state {
	case Inactive:
		return 0
	case Closing:
		s.state = Inactive
		return 0
	}
	s.state = Backoff
	s.outbox = nil
	s.pending = nil
	// In-flight aggregates die with the connection.
	s.composer = irc.NewComposer(s.is)
	s.chBatches = map[string]*historyBatch{}
	s.targetsBatchID = ""
	s.targetsBatch = nil
	s.searchBatchID = ""
	s.searchMsgs = nil
	s.historyReqs = map[string]struct{}{}
	s.pendingJoins = map[string]struct{}{}
	return s.backoff.Next()
}

// Reopen transitions Backoff → Connecting for a reconnect attempt.
func (s *Session) Reopen() error {
	if s.state != Backoff {
		return fmt.Errorf("%w: not backing off", irc.ErrUsage)
	}
	s.state = Connecting
	return nil
}

// Quit sends QUIT and transitions to Closing; the host should close the
// transport after a bounded flush (2s) or transport ack.
func (s *Session) Quit(reason string) error {
	if s.state != Registered && s.state != Negotiating {
		return fmt.Errorf("%w: session is not connected", irc.ErrUsage)
	}
	s.enqueue(irc.NewMessage("QUIT", reason))
	s.state = Closing
	return nil
}

// HandleClosed transitions Closing → Inactive once the transport
// confirms close.
func (s *Session) HandleClosed() {
	s.state = Inactive
}

// Send queues an outgoing message. Before Registered, only
// CAP/NICK/USER/PASS/PING/PONG/QUIT/AUTHENTICATE go straight to the
// outbox; everything else is held in an unbounded FIFO and flushed once
// Registered.
func (s *Session) Send(msg irc.Message) error {
	if s.state == Inactive || s.state == Closing || s.state == Backoff {
		return fmt.Errorf("%w: session is not open", irc.ErrUsage)
	}
	s.enqueue(msg)
	return nil
}

// Privmsg sends a PRIVMSG to target, opening (and returning) its Buffer
// if this is the first time target has been addressed — a channel
// reference finds that channel's buffer (creating one if none exists), a
// bare nick lazily opens a Query. The caller gets the BufferAddedEvent, if any, back directly
// instead of through Feed, since this is an outbound, not received,
// action.
func (s *Session) Privmsg(target, text string) (*Buffer, irc.Event, error) {
	return s.message("PRIVMSG", target, text)
}

// Notice sends a NOTICE, with the same buffer semantics as Privmsg.
func (s *Session) Notice(target, text string) (*Buffer, irc.Event, error) {
	return s.message("NOTICE", target, text)
}

func (s *Session) message(command, target, text string) (*Buffer, irc.Event, error) {
	// Long bodies are fragmented so each line fits the protocol limit
	// once the server prepends our own hostmask when relaying it.
	hostLen := len(s.host)
	if hostLen == 0 {
		hostLen = len("255.255.255.255")
	}
	maxMessageLen := irc.MaxLineLength -
		len(":!@   :\r\n") -
		len(command) -
		len(s.nick) -
		len(s.user) -
		hostLen -
		len(target)
	for _, chunk := range irc.SplitChunks(text, maxMessageLen) {
		if err := s.Send(irc.NewMessage(command, target, chunk)); err != nil {
			return nil, nil, err
		}
	}
	buf, created := s.buffers.Add(target)
	var ev irc.Event
	if created {
		ev = irc.BufferAddedEvent{Name: buf.Name, IsChannel: buf.Kind == BufferChannel}
	}
	return buf, ev, nil
}

// CloseBuffer removes an open buffer (channel or query) at the
// consumer's request. Buffers are only removed by explicit action, never
// automatically on PART — see handlePart.
func (s *Session) CloseBuffer(name string) irc.Event {
	buf := s.buffers.Remove(name)
	if buf == nil {
		return nil
	}
	return irc.BufferRemovedEvent{Name: buf.Name}
}

func (s *Session) enqueue(msg irc.Message) {
	if s.state != Registered && !alwaysSendable[msg.Command] {
		s.pending = append(s.pending, msg)
		return
	}
	s.outbox = append(s.outbox, msg)
}

// Outbox drains and returns the messages ready for the transport to
// write, in FIFO order. Ordinary traffic is paced by the flood-control
// limiter: when its budget is spent, the remainder stays queued and a
// later Outbox call releases it. Registration and liveness commands are
// never held back.
func (s *Session) Outbox() []irc.Message {
	var out []irc.Message
	for len(s.outbox) > 0 {
		msg := s.outbox[0]
		if !alwaysSendable[msg.Command] && !s.limiter.Allow() {
			break
		}
		out = append(out, msg)
		s.outbox = s.outbox[1:]
	}
	return out
}

// Tick is called periodically by the host with the current time, driving
// ping/pong liveness: a client PING is queued after PingInterval of
// silence; no reply within PingTimeout of that PING fails the
// connection.
func (s *Session) Tick(now time.Time) (timedOut bool) {
	if s.state != Registered && s.state != Negotiating {
		return false
	}
	if s.awaitingPong {
		if now.Sub(s.lastPingSent) >= s.params.PingTimeout {
			return true
		}
		return false
	}
	if now.Sub(s.lastRecv) >= s.params.PingInterval {
		s.lastPingSent = now
		s.awaitingPong = true
		s.enqueue(irc.NewMessage("PING", fmt.Sprintf("%d", now.UnixNano())))
	}
	return false
}

// Feed parses and dispatches one received line, returning any composed
// Events and non-fatal Diagnostics. Malformed lines yield a single
// Diagnostic and no events; nothing received aborts the stream.
func (s *Session) Feed(line string) ([]irc.Event, []irc.Diagnostic) {
	msg, err := irc.ParseMessage(line)
	if err != nil {
		return nil, nil
	}
	s.lastRecv = msg.TimeOrNow()
	s.awaitingPong = false

	if msg.HasFlag(irc.Malformed) {
		return nil, []irc.Diagnostic{{Err: irc.ErrMalformed, Message: msg}}
	}

	// A message tagged with an open batch reference belongs to that
	// batch: it is folded into the batch's aggregate instead of being
	// surfaced now, and the whole batch emerges as one Event when the
	// server closes it.
	if id, ok := msg.Tags["batch"]; ok {
		if s.feedBatch(id, msg) {
			return nil, nil
		}
	}

	var events []irc.Event
	var diags []irc.Diagnostic

	if msg.IsReply() {
		if ev, diag := s.composer.Feed(msg); ev != nil || diag != nil {
			if diag != nil {
				diags = append(diags, *diag)
			}
			if ev != nil {
				events = append(events, ev)
				if extra := s.applyComposed(ev); extra != nil {
					events = append(events, extra)
				}
			}
		}
	}

	ev, diag := s.handle(msg)
	if diag != nil {
		diags = append(diags, *diag)
	}
	if ev != nil {
		events = append(events, ev)
	}
	if len(s.extraEvents) > 0 {
		events = append(events, s.extraEvents...)
		s.extraEvents = nil
	}

	return events, diags
}

// feedBatch routes a batch-tagged message into the matching in-flight
// batch, reporting whether it was consumed. Messages inside a history or
// search batch are playback: they produce their usual Event, but the
// Event accumulates in the batch and roster/buffer state stays untouched.
func (s *Session) feedBatch(id string, msg irc.Message) bool {
	if id == "" {
		return false
	}
	if id == s.targetsBatchID && s.targetsBatch != nil {
		if len(msg.Params) >= 3 {
			if t, ok := irc.ParseTimestamp(msg.Params[2]); ok {
				s.targetsBatch[msg.Params[1]] = t
			}
		}
		return true
	}
	if b, ok := s.chBatches[id]; ok {
		msg.Flags |= irc.Playback
		if ev, _ := s.handle(msg); ev != nil {
			b.messages = append(b.messages, ev)
		}
		return true
	}
	if id == s.searchBatchID {
		msg.Flags |= irc.Playback
		if ev, _ := s.handle(msg); ev != nil {
			s.searchMsgs = append(s.searchMsgs, ev)
		}
		return true
	}
	return false
}

// applyComposed folds a composer-produced Event into the roster/buffer
// state the composer itself has no access to, and returns an extra Event
// to surface when doing so completes a higher-level transition (currently
// only NAMES completing a pending self-JOIN into a SelfJoinEvent).
func (s *Session) applyComposed(ev irc.Event) irc.Event {
	switch e := ev.(type) {
	case irc.TopicChangeEvent:
		if buf := s.buffers.Find(e.Channel); buf != nil && buf.Channel != nil {
			buf.Channel.Topic = e.Topic
			buf.Channel.TopicTime = e.Time
		}
	case irc.ModeChangeEvent:
		if buf := s.buffers.Find(e.Channel); buf != nil && buf.Channel != nil {
			for _, change := range e.Changes {
				buf.Channel.ApplyMode(change, s.is)
			}
		}
	case irc.NamesEvent:
		return s.applyNames(e)
	case irc.WhoEvent:
		s.applyWho(e)
	}
	return nil
}

// applyNames populates a channel's roster from a composed NamesEvent and,
// if this channel had a self-JOIN awaiting its NAMES burst, returns the
// SelfJoinEvent that completes it.
func (s *Session) applyNames(e irc.NamesEvent) irc.Event {
	buf := s.buffers.Find(e.Channel)
	if buf == nil || buf.Channel == nil {
		return nil
	}
	for _, m := range e.Names {
		user := buf.Channel.Roster.Add(m.Name.Name)
		if m.Name.User != "" {
			user.Ident = m.Name.User
		}
		if m.Name.Host != "" {
			user.Host = m.Name.Host
		}
		if m.PrefixMode != 0 {
			if modeLetter := s.is.ModeForSymbol(m.PrefixMode); modeLetter != 0 {
				user.Mode, user.Prefix = rebuildModeAndPrefix(string(modeLetter), s.is)
			}
		}
	}
	if buf.Channel.Roster.dynamic {
		buf.Channel.Roster.resort()
	}

	cf := s.cf(e.Channel)
	if _, pending := s.pendingJoins[cf]; pending {
		delete(s.pendingJoins, cf)
		return irc.SelfJoinEvent{Channel: buf.Name, Requested: true, Topic: buf.Channel.Topic}
	}
	return nil
}

// applyWho folds away-status observations from a composed WhoEvent into
// every roster that currently holds the matching nick.
func (s *Session) applyWho(e irc.WhoEvent) {
	for _, entry := range e.Entries {
		s.buffers.Each(func(buf *Buffer) bool {
			if buf.Channel != nil {
				if user := buf.Channel.Roster.User(entry.Nick); user != nil {
					user.Away = entry.Away
				}
			}
			return true
		})
	}
}

func (s *Session) handle(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	switch msg.Command {
	case "PING":
		s.enqueue(irc.NewMessage("PONG", msg.Params...))
		return nil, nil
	case "ERROR":
		return nil, nil

	case "CAP":
		return s.handleCap(msg)
	case "AUTHENTICATE":
		return s.handleAuthenticate(msg)

	case rplWelcome:
		return s.handleWelcome(msg)
	case rplIsupport:
		if len(msg.Params) < 2 {
			return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
		}
		s.is.Apply(msg.Params[1 : len(msg.Params)-1])
		return nil, nil
	case errNicknameinuse, errErroneusnickname:
		return s.handleNickCollision(msg)
	case errPasswdmismatch, errYourebannedcreep:
		s.state = Closing
		return nil, &irc.Diagnostic{Err: irc.ErrRegistrationFailed, Message: msg}

	case rplLoggedin:
		if len(msg.Params) >= 3 {
			s.account = msg.Params[2]
			if p := irc.ParsePrefix(msg.Params[1]); p != nil && p.Host != "" {
				s.host = p.Host
			}
		}
		return nil, nil
	case rplSaslsuccess:
		s.saslDone = true
		s.maybeEndNegotiation()
		return nil, nil
	case errNicklocked, errSaslfail, errSasltoolong, errSaslaborted:
		s.saslDone = true
		s.maybeEndNegotiation()
		return irc.ErrorEvent{Severity: irc.SeverityFail, Code: msg.Command, Message: lastParam(msg)}, nil

	case "JOIN":
		return s.handleJoin(msg)
	case "PART":
		return s.handlePart(msg)
	case "KICK":
		return s.handleKick(msg)
	case "QUIT":
		return s.handleQuit(msg)
	case "NICK":
		return s.handleNick(msg)
	case "MODE":
		return s.handleMode(msg)
	case "TOPIC":
		return s.handleTopic(msg)
	case "INVITE":
		return s.handleInvite(msg)
	case "AWAY":
		return s.handleAway(msg)
	case "PRIVMSG", "NOTICE":
		return s.handleMessage(msg)
	case "BATCH":
		return s.handleBatch(msg)
	case "READ":
		return s.handleRead(msg)
	case rplMononline:
		return s.handleMonitorReply(msg, true)
	case rplMonoffline:
		return s.handleMonitorReply(msg, false)
	}
	return nil, nil
}

func lastParam(msg irc.Message) string {
	if len(msg.Params) == 0 {
		return ""
	}
	return msg.Params[len(msg.Params)-1]
}

func (s *Session) handleCap(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 3 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	subcmd := strings.ToUpper(msg.Params[1])
	capsArg := msg.Params[len(msg.Params)-1]

	switch subcmd {
	case "LS":
		more := len(msg.Params) >= 4 && msg.Params[2] == "*"
		for _, c := range irc.ParseCaps(capsArg) {
			s.availableCaps[c.Name] = c.Value
		}
		if !more {
			s.requestCaps()
		}
		return nil, nil
	case "ACK":
		var enabled, disabled []string
		for _, c := range irc.ParseCaps(capsArg) {
			if c.Enable {
				s.enabledCaps[c.Name] = struct{}{}
				enabled = append(enabled, c.Name)
				if c.Name == "sasl" && s.params.SASLMechanism != SASLNone {
					s.startSASL()
				}
			} else {
				delete(s.enabledCaps, c.Name)
				disabled = append(disabled, c.Name)
			}
		}
		s.capsPending--
		s.maybeEndNegotiation()
		return irc.CapAckEvent{Enabled: enabled, Disabled: disabled}, nil
	case "NAK":
		s.capsPending--
		s.maybeEndNegotiation()
		return nil, nil
	case "NEW":
		for _, c := range irc.ParseCaps(capsArg) {
			s.availableCaps[c.Name] = c.Value
			if supportsCap(c.Name) {
				s.capsPending++
				s.enqueue(irc.NewMessage("CAP", "REQ", c.Name))
			}
		}
		return nil, nil
	case "DEL":
		for _, c := range irc.ParseCaps(capsArg) {
			delete(s.availableCaps, c.Name)
			delete(s.enabledCaps, c.Name)
		}
		return nil, nil
	}
	return nil, nil
}

func supportsCap(name string) bool {
	for _, c := range SupportedCaps {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Session) requestCaps() {
	var want []string
	for _, name := range SupportedCaps {
		if _, ok := s.availableCaps[name]; ok {
			want = append(want, name)
		}
	}
	if len(want) == 0 {
		s.maybeEndNegotiation()
		return
	}
	s.capsPending++
	s.enqueue(irc.NewMessage("CAP", "REQ", strings.Join(want, " ")))
}

func (s *Session) startSASL() {
	var mech string
	switch s.params.SASLMechanism {
	case SASLPlain:
		mech = "PLAIN"
	case SASLExternal:
		mech = "EXTERNAL"
	default:
		return
	}
	s.enqueue(irc.NewMessage("AUTHENTICATE", mech))
}

func (s *Session) handleAuthenticate(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) == 0 {
		return nil, nil
	}
	challenge := msg.Params[0]
	switch s.params.SASLMechanism {
	case SASLExternal:
		s.enqueue(irc.NewMessage("AUTHENTICATE", "+"))
	case SASLPlain:
		if challenge != "+" {
			s.enqueue(irc.NewMessage("AUTHENTICATE", "*"))
			return nil, nil
		}
		account := s.params.SASLAccount
		payload := strings.Join([]string{"", account, s.params.SASLPassword}, "\x00")
		s.enqueue(irc.NewMessage("AUTHENTICATE", base64.StdEncoding.EncodeToString([]byte(payload))))
	}
	return nil, nil
}

func (s *Session) maybeEndNegotiation() {
	if s.state != Negotiating || s.capsPending > 0 {
		return
	}
	if _, sasl := s.enabledCaps["sasl"]; sasl && s.params.SASLMechanism != SASLNone && !s.saslDone {
		return
	}
	s.enqueue(irc.NewMessage("CAP", "END"))
}

func (s *Session) handleWelcome(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 1 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	s.nick = msg.Params[0]
	s.nickCf = s.is.Casemap()(s.nick)
	s.state = Registered
	s.backoff.Reset()
	s.outbox = append(s.outbox, s.pending...)
	s.pending = nil
	return irc.RegisteredEvent{}, nil
}

func (s *Session) handleNickCollision(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if s.state == Registered {
		return nil, nil
	}
	if s.nickAttempts >= maxNickAttempts {
		s.state = Closing
		return nil, &irc.Diagnostic{Err: irc.ErrRegistrationFailed, Message: msg}
	}
	s.nickAttempts++
	next := s.nick + "_"
	if s.is.NickLen > 0 && len(next) > s.is.NickLen {
		next = next[:s.is.NickLen]
	}
	s.nick = next
	s.enqueue(irc.NewMessage("NICK", s.nick))
	return nil, nil
}

func (s *Session) cf(name string) string {
	return s.is.Casemap()(name)
}

func (s *Session) isSelf(nick string) bool {
	return s.nickCf != "" && s.cf(nick) == s.nickCf
}

func (s *Session) handleJoin(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if msg.Prefix == nil || len(msg.Params) < 1 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	channel := msg.Params[0]

	if s.isSelf(msg.Prefix.Name) {
		if msg.Prefix.Host != "" {
			s.host = msg.Prefix.Host
		}
		buf, created := s.buffers.Add(channel)
		if created {
			s.emit(irc.BufferAddedEvent{Name: buf.Name, IsChannel: true})
		}
		buf.Channel.Joined = true
		buf.Channel.Roster.Add(s.nick)
		s.pendingJoins[s.cf(channel)] = struct{}{}
		return nil, nil
	}

	buf := s.buffers.Find(channel)
	if buf == nil || buf.Channel == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrProtocol, Message: msg}
	}
	user := buf.Channel.Roster.Add(msg.Prefix.Name)
	user.Ident = msg.Prefix.User
	user.Host = msg.Prefix.Host
	buf.Channel.Roster.Touch(user, msg.TimeOrNow())
	return irc.UserJoinEvent{User: msg.Prefix.Name, Channel: channel, Time: msg.TimeOrNow()}, nil
}

func (s *Session) handlePart(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if msg.Prefix == nil || len(msg.Params) < 1 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	channel := msg.Params[0]
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}

	buf := s.buffers.Find(channel)
	if buf == nil || buf.Channel == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrProtocol, Message: msg}
	}

	if s.isSelf(msg.Prefix.Name) {
		buf.Channel.Joined = false
		buf.Channel.Roster = NewUsers(s.is)
		return irc.SelfPartEvent{Channel: channel}, nil
	}

	buf.Channel.Roster.Remove(msg.Prefix.Name)
	return irc.UserPartEvent{User: msg.Prefix.Name, Channel: channel, Reason: reason, Time: msg.TimeOrNow()}, nil
}

func (s *Session) handleKick(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	channel, target := msg.Params[0], msg.Params[1]
	reason := ""
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}
	kicker := ""
	if msg.Prefix != nil {
		kicker = msg.Prefix.Name
	}

	buf := s.buffers.Find(channel)
	if buf == nil || buf.Channel == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrProtocol, Message: msg}
	}

	if s.isSelf(target) {
		buf.Channel.Joined = false
		buf.Channel.Roster = NewUsers(s.is)
		return irc.SelfPartEvent{Channel: channel}, nil
	}

	buf.Channel.Roster.Remove(target)
	return irc.KickEvent{Kicker: kicker, User: target, Channel: channel, Reason: reason, Time: msg.TimeOrNow()}, nil
}

func (s *Session) handleQuit(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if msg.Prefix == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	reason := ""
	if len(msg.Params) > 0 {
		reason = msg.Params[0]
	}

	var channels []string
	s.buffers.Each(func(buf *Buffer) bool {
		if buf.Channel != nil && buf.Channel.Roster.Contains(msg.Prefix.Name) {
			buf.Channel.Roster.Remove(msg.Prefix.Name)
			channels = append(channels, buf.Name)
		}
		return true
	})
	return irc.UserQuitEvent{User: msg.Prefix.Name, Channels: channels, Reason: reason, Time: msg.TimeOrNow()}, nil
}

func (s *Session) handleNick(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if msg.Prefix == nil || len(msg.Params) < 1 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	oldNick, newNick := msg.Prefix.Name, msg.Params[0]
	self := s.isSelf(oldNick)

	if self {
		s.nick = newNick
		s.nickCf = s.cf(newNick)
	}

	s.buffers.Each(func(buf *Buffer) bool {
		if buf.Channel != nil && buf.Channel.Roster.Contains(oldNick) {
			buf.Channel.Roster.Rename(oldNick, newNick)
		}
		return true
	})
	s.buffers.RenameQuery(oldNick, newNick)

	if self {
		return irc.SelfNickEvent{FormerNick: oldNick, NewNick: newNick}, nil
	}
	return irc.UserNickEvent{FormerNick: oldNick, NewNick: newNick, Time: msg.TimeOrNow()}, nil
}

func (s *Session) handleMode(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	target := msg.Params[0]
	if !s.is.IsChannel(target) {
		return nil, nil
	}

	buf := s.buffers.Find(target)
	if buf == nil || buf.Channel == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrProtocol, Message: msg}
	}

	changes, err := irc.ParseChannelMode(msg.Params[1], msg.Params[2:], s.is.ChanModes, s.is.PrefixModes)
	if err != nil {
		return nil, &irc.Diagnostic{Err: err, Message: msg}
	}
	var diag *irc.Diagnostic
	for _, change := range changes {
		if applyErr := buf.Channel.ApplyMode(change, s.is); applyErr != nil && diag == nil {
			diag = &irc.Diagnostic{Err: applyErr, Message: msg}
		}
	}
	return irc.ModeChangeEvent{Channel: target, Who: msg.Prefix, Changes: changes, Time: msg.TimeOrNow()}, diag
}

func (s *Session) handleTopic(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	channel, topic := msg.Params[0], msg.Params[1]
	buf := s.buffers.Find(channel)
	if buf == nil || buf.Channel == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrProtocol, Message: msg}
	}
	buf.Channel.Topic = topic
	buf.Channel.TopicWho = msg.Prefix
	buf.Channel.TopicTime = msg.TimeOrNow()
	return irc.TopicChangeEvent{Channel: channel, Topic: topic, Who: msg.Prefix, Time: msg.TimeOrNow()}, nil
}

func (s *Session) handleInvite(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	inviter := ""
	if msg.Prefix != nil {
		inviter = msg.Prefix.Name
	}
	return irc.InviteEvent{Inviter: inviter, Invitee: msg.Params[0], Channel: msg.Params[1]}, nil
}

func (s *Session) handleAway(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if msg.Prefix == nil {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	away := len(msg.Params) > 0 && msg.Params[0] != ""
	message := ""
	if away {
		message = msg.Params[0]
	}
	return irc.AwayEvent{User: msg.Prefix.Name, Away: away, Message: message}, nil
}

func (s *Session) handleMessage(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if msg.Prefix == nil || len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	target, content := msg.Params[0], msg.Params[1]
	isChannel := s.is.IsChannel(target)

	var ctcp *irc.CTCPMessage
	if c, ok := irc.ParseCTCP(content); ok {
		ctcp = &c
	}

	// Playback (history/search) repeats the past: it must not bump
	// activity or open buffers as if the message just happened.
	if !msg.HasFlag(irc.Playback) {
		if isChannel {
			if buf := s.buffers.Find(target); buf != nil && buf.Channel != nil {
				if user := buf.Channel.Roster.User(msg.Prefix.Name); user != nil {
					buf.Channel.Roster.Touch(user, msg.TimeOrNow())
				}
			}
		} else if !s.isSelf(msg.Prefix.Name) {
			// A private message addresses a Query keyed by the remote
			// nick, created lazily on first reference.
			if buf, created := s.buffers.Add(msg.Prefix.Name); created {
				s.emit(irc.BufferAddedEvent{Name: buf.Name, IsChannel: false})
			}
		}
	}

	return irc.MessageEvent{
		User:            msg.Prefix.Name,
		Target:          target,
		TargetIsChannel: isChannel,
		Command:         msg.Command,
		Content:         content,
		CTCP:            ctcp,
		Time:            msg.TimeOrNow(),
	}, nil
}

// handleBatch opens or closes a message batch. "+ref <name> <args...>"
// starts one; "-ref" closes it, at which point the accumulated aggregate
// surfaces as a single Event, the same shape the composer gives
// multi-line numerics.
func (s *Session) handleBatch(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 1 || len(msg.Params[0]) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	ref := msg.Params[0]
	id := ref[1:]

	if ref[0] == '+' {
		if len(msg.Params) < 2 {
			return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
		}
		switch msg.Params[1] {
		case "chathistory", "draft/chathistory":
			if len(msg.Params) < 3 {
				return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
			}
			s.chBatches[id] = &historyBatch{target: msg.Params[2]}
		case "draft/chathistory-targets":
			s.targetsBatchID = id
			s.targetsBatch = map[string]time.Time{}
		case "soju.im/search":
			s.searchBatchID = id
			s.searchMsgs = nil
		}
		return nil, nil
	}

	if b, ok := s.chBatches[id]; ok {
		delete(s.chBatches, id)
		delete(s.historyReqs, s.cf(b.target))
		return irc.HistoryEvent{Target: b.target, Messages: b.messages}, nil
	}
	if id == s.targetsBatchID && s.targetsBatch != nil {
		targets := s.targetsBatch
		s.targetsBatchID = ""
		s.targetsBatch = nil
		delete(s.historyReqs, "")
		return irc.HistoryTargetsEvent{Targets: targets}, nil
	}
	if id == s.searchBatchID {
		msgs := s.searchMsgs
		s.searchBatchID = ""
		s.searchMsgs = nil
		return irc.SearchEvent{Messages: msgs}, nil
	}
	return nil, nil
}

func (s *Session) handleRead(msg irc.Message) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	timestamp := msg.Params[1]
	if !strings.HasPrefix(timestamp, "timestamp=") {
		return nil, nil
	}
	t, ok := irc.ParseTimestamp(strings.TrimPrefix(timestamp, "timestamp="))
	if !ok {
		return nil, nil
	}
	return irc.ReadEvent{Target: msg.Params[0], Timestamp: t}, nil
}

func (s *Session) handleMonitorReply(msg irc.Message, online bool) (irc.Event, *irc.Diagnostic) {
	if len(msg.Params) < 2 {
		return nil, &irc.Diagnostic{Err: irc.ErrMalformed, Message: msg}
	}
	for _, target := range strings.Split(msg.Params[1], ",") {
		prefix := irc.ParsePrefix(target)
		if prefix == nil {
			continue
		}
		if _, watched := s.monitors[s.cf(prefix.Name)]; !watched {
			continue
		}
		if online {
			s.emit(irc.UserOnlineEvent{User: prefix.Name})
		} else {
			s.emit(irc.UserOfflineEvent{User: prefix.Name})
		}
	}
	return nil, nil
}

// MonitorAdd asks the server to watch target's presence; online/offline
// transitions surface as UserOnlineEvent/UserOfflineEvent. A no-op when
// the server doesn't advertise MONITOR, or when target is already watched.
func (s *Session) MonitorAdd(target string) error {
	if _, advertised := s.is.Raw["MONITOR"]; !advertised {
		return nil
	}
	cf := s.cf(target)
	if _, ok := s.monitors[cf]; ok {
		return nil
	}
	if err := s.Send(irc.NewMessage("MONITOR", "+", target)); err != nil {
		return err
	}
	s.monitors[cf] = struct{}{}
	return nil
}

// MonitorRemove stops watching target.
func (s *Session) MonitorRemove(target string) error {
	cf := s.cf(target)
	if _, ok := s.monitors[cf]; !ok {
		return nil
	}
	if err := s.Send(irc.NewMessage("MONITOR", "-", target)); err != nil {
		return err
	}
	delete(s.monitors, cf)
	return nil
}

// ReadGet asks the bouncer for target's read marker; the answer arrives
// as a ReadEvent. A no-op unless soju.im/read was negotiated.
func (s *Session) ReadGet(target string) error {
	if !s.HasCapability("soju.im/read") {
		return nil
	}
	return s.Send(irc.NewMessage("READ", target))
}

// ReadSet advances target's read marker to timestamp.
func (s *Session) ReadSet(target string, timestamp time.Time) error {
	if !s.HasCapability("soju.im/read") {
		return nil
	}
	return s.Send(irc.NewMessage("READ", target, "timestamp="+irc.FormatTimestamp(timestamp)))
}

// ChatHistoryBefore requests up to limit messages of target's history
// older than t; the playback arrives as one HistoryEvent. Duplicate
// requests for a target are dropped until its batch closes.
func (s *Session) ChatHistoryBefore(target string, t time.Time, limit int) error {
	if !s.HasCapability("draft/chathistory") {
		return fmt.Errorf("%w: server does not support chathistory", irc.ErrUsage)
	}
	cf := s.cf(target)
	if _, inFlight := s.historyReqs[cf]; inFlight {
		return nil
	}
	if err := s.Send(irc.NewMessage("CHATHISTORY", "BEFORE", target,
		"timestamp="+irc.FormatTimestamp(t), strconv.Itoa(limit))); err != nil {
		return err
	}
	s.historyReqs[cf] = struct{}{}
	return nil
}

// ChatHistoryTargets requests the list of conversations with activity
// between after and before; the answer arrives as one HistoryTargetsEvent.
func (s *Session) ChatHistoryTargets(after, before time.Time, limit int) error {
	if !s.HasCapability("draft/chathistory") {
		return fmt.Errorf("%w: server does not support chathistory", irc.ErrUsage)
	}
	if _, inFlight := s.historyReqs[""]; inFlight {
		return nil
	}
	if err := s.Send(irc.NewMessage("CHATHISTORY", "TARGETS",
		"timestamp="+irc.FormatTimestamp(after),
		"timestamp="+irc.FormatTimestamp(before), strconv.Itoa(limit))); err != nil {
		return err
	}
	s.historyReqs[""] = struct{}{}
	return nil
}

// Search asks the bouncer for messages matching text, optionally
// restricted to target; results arrive as one SearchEvent. A no-op unless
// soju.im/search was negotiated.
func (s *Session) Search(target, text string) error {
	if !s.HasCapability("soju.im/search") {
		return nil
	}
	attrs := map[string]string{"text": text}
	if target != "" {
		attrs["in"] = target
	}
	return s.Send(irc.NewMessage("SEARCH", irc.FormatTags(attrs)))
}
