package state

import (
	"strings"
	"testing"
	"time"

	"git.sr.ht/~taiite/ircore/irc"
)

func newRegisteredSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(DefaultParams())
	s.params.Nick = "me"
	s.params.User = "me"
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.HandleConnected(); err != nil {
		t.Fatalf("HandleConnected: %v", err)
	}
	s.Outbox() // discard the registration burst
	feed(t, s, ":srv 001 me :hi")
	if s.State() != Registered {
		t.Fatalf("state = %v, want Registered", s.State())
	}
	return s
}

func feed(t *testing.T, s *Session, line string) ([]irc.Event, []irc.Diagnostic) {
	t.Helper()
	events, diags := s.Feed(line)
	for _, d := range diags {
		t.Logf("diagnostic: %v (%s)", d.Err, d.Message.Command)
	}
	return events, diags
}

// Welcome burst followed by a self-join and its NAMES reply.
func TestScenarioWelcomeAndJoin(t *testing.T) {
	s := newRegisteredSession(t)

	feed(t, s, ":me!u@h JOIN #c")
	feed(t, s, ":srv 353 me = #c :me @op +v user")
	events, diags := feed(t, s, ":srv 366 me #c :End")
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	var sawNames, sawSelfJoin bool
	for _, ev := range events {
		switch ev.(type) {
		case irc.NamesEvent:
			sawNames = true
		case irc.SelfJoinEvent:
			sawSelfJoin = true
		}
	}
	if !sawNames {
		t.Error("expected a NamesEvent")
	}
	if !sawSelfJoin {
		t.Error("expected a SelfJoinEvent on NAMES completion")
	}

	buf := s.Buffers().Find("#c")
	if buf == nil || buf.Channel == nil {
		t.Fatal("expected #c to be a channel buffer")
	}
	roster := buf.Channel.Roster
	// me + op + v + user: the local client is in the roster while joined.
	if roster.Count() != 4 {
		t.Fatalf("roster size = %d, want 4", roster.Count())
	}
	if !roster.Contains("me") {
		t.Error("roster should contain the local client while joined")
	}
	op := roster.User("op")
	if op == nil || op.Mode != "o" || op.Prefix != "@" {
		t.Fatalf("op = %+v, want mode=o prefix=@", op)
	}
	v := roster.User("v")
	if v == nil || v.Mode != "v" || v.Prefix != "+" {
		t.Fatalf("v = %+v, want mode=v prefix=+", v)
	}
	user := roster.User("user")
	if user == nil || user.Mode != "" || user.Prefix != "" {
		t.Fatalf("user = %+v, want empty mode/prefix", user)
	}
}

// Nick rename propagation through the roster.
func TestScenarioNickRename(t *testing.T) {
	s := newRegisteredSession(t)
	feed(t, s, ":me!u@h JOIN #c")
	feed(t, s, ":srv 353 me = #c :me @op +v user")
	feed(t, s, ":srv 366 me #c :End")

	feed(t, s, ":user!u@h NICK :user2")

	roster := s.Buffers().Find("#c").Channel.Roster
	if roster.Count() != 4 {
		t.Fatalf("roster size = %d, want 4", roster.Count())
	}
	if roster.Contains("user") {
		t.Error("roster should no longer contain \"user\"")
	}
	u2 := roster.User("user2")
	if u2 == nil {
		t.Fatal("roster should contain \"user2\"")
	}
	if u2.Mode != "" || u2.Prefix != "" {
		t.Errorf("user2 mode/prefix = %q/%q, want empty", u2.Mode, u2.Prefix)
	}
}

// Activity reorder under dynamic SortByActivity.
func TestScenarioActivityReorder(t *testing.T) {
	s := newRegisteredSession(t)
	feed(t, s, ":me!u@h JOIN #c")
	feed(t, s, ":srv 353 me = #c :me @op +v user")
	feed(t, s, ":srv 366 me #c :End")

	roster := s.Buffers().Find("#c").Channel.Roster
	roster.SetSort(SortByActivity, Ascending)
	roster.SetDynamic(true)

	feed(t, s, ":user!u@h PRIVMSG #c :hi")

	u := roster.User("user")
	if roster.IndexOf(u) != 0 {
		t.Errorf("indexOf(user) = %d, want 0 after activity under dynamic SortByActivity", roster.IndexOf(u))
	}
}

// MOTD coalescing exercised through the Session (not just the
// Composer directly).
func TestScenarioMotdThroughSession(t *testing.T) {
	s := NewSession(DefaultParams())
	s.params.Nick = "me"
	s.Open()
	s.HandleConnected()
	s.Outbox()

	feed(t, s, ":s 375 me :-")
	feed(t, s, ":s 372 me :- line1")
	feed(t, s, ":s 372 me :- line2")
	events, _ := feed(t, s, ":s 376 me :end")

	var got *irc.MotdEvent
	for _, ev := range events {
		if m, ok := ev.(irc.MotdEvent); ok {
			got = &m
		}
	}
	if got == nil {
		t.Fatal("expected a MotdEvent")
	}
	if len(got.Lines) != 2 || got.Lines[0] != "- line1" || got.Lines[1] != "- line2" {
		t.Fatalf("unexpected lines: %v", got.Lines)
	}
}

func TestSelfPartClearsRosterButKeepsBuffer(t *testing.T) {
	s := newRegisteredSession(t)
	feed(t, s, ":me!u@h JOIN #c")
	feed(t, s, ":srv 353 me = #c :me @op")
	feed(t, s, ":srv 366 me #c :End")

	feed(t, s, ":me!u@h PART #c :bye")

	buf := s.Buffers().Find("#c")
	if buf == nil {
		t.Fatal("channel buffer should still exist after self-PART")
	}
	if buf.Channel.Joined {
		t.Error("channel should be marked unjoined after self-PART")
	}
	if buf.Channel.Roster.Count() != 0 {
		t.Errorf("roster size = %d, want 0 after self-PART", buf.Channel.Roster.Count())
	}
}

func TestPrivmsgOpensQueryBuffer(t *testing.T) {
	s := newRegisteredSession(t)
	buf, ev, err := s.Privmsg("alice", "hello")
	if err != nil {
		t.Fatalf("Privmsg: %v", err)
	}
	if buf == nil || buf.Kind != BufferQuery || buf.Nick != "alice" {
		t.Fatalf("unexpected buffer: %+v", buf)
	}
	added, ok := ev.(irc.BufferAddedEvent)
	if !ok || added.Name != "alice" || added.IsChannel {
		t.Fatalf("expected BufferAddedEvent for a query, got %+v", ev)
	}

	// Second send to the same target must not recreate the buffer.
	_, ev2, err := s.Privmsg("alice", "again")
	if err != nil {
		t.Fatalf("Privmsg: %v", err)
	}
	if ev2 != nil {
		t.Errorf("expected no BufferAddedEvent on second send, got %+v", ev2)
	}
}

func TestPrivmsgSplitsLongContent(t *testing.T) {
	s := newRegisteredSession(t)
	long := strings.Repeat("a", 1000)
	if _, _, err := s.Privmsg("#c", long); err != nil {
		t.Fatalf("Privmsg: %v", err)
	}

	out := s.Outbox()
	if len(out) < 2 {
		t.Fatalf("a 1000-byte body should be fragmented, got %d message(s)", len(out))
	}
	var rebuilt strings.Builder
	for _, msg := range out {
		if msg.Command != "PRIVMSG" || msg.Params[0] != "#c" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if len(msg.String()) > irc.MaxLineLength {
			t.Fatalf("fragment exceeds the line limit: %d bytes", len(msg.String()))
		}
		rebuilt.WriteString(msg.Params[1])
	}
	if rebuilt.String() != long {
		t.Fatal("fragments do not reassemble to the original content")
	}
}

func TestIncomingPrivmsgOpensQueryBuffer(t *testing.T) {
	s := newRegisteredSession(t)
	events, _ := feed(t, s, ":bob!u@h PRIVMSG me :hi there")

	var added *irc.BufferAddedEvent
	for _, ev := range events {
		if a, ok := ev.(irc.BufferAddedEvent); ok {
			added = &a
		}
	}
	if added == nil || added.Name != "bob" || added.IsChannel {
		t.Fatalf("expected a query BufferAddedEvent for bob, got events=%+v", events)
	}
	if s.Buffers().Find("bob") == nil {
		t.Fatal("expected a query buffer for bob")
	}
}

func TestCloseBufferEmitsRemoved(t *testing.T) {
	s := newRegisteredSession(t)
	s.Privmsg("alice", "hi")
	ev := s.CloseBuffer("alice")
	removed, ok := ev.(irc.BufferRemovedEvent)
	if !ok || removed.Name != "alice" {
		t.Fatalf("expected BufferRemovedEvent, got %+v", ev)
	}
	if s.Buffers().Find("alice") != nil {
		t.Error("buffer should be gone after CloseBuffer")
	}
}

// Reconnect delays roughly double per attempt, within jitter.
func TestReconnectBackoffSchedule(t *testing.T) {
	s := NewSession(DefaultParams())
	s.params.Nick = "me"
	s.Open()
	s.HandleConnected()

	within := func(got, want time.Duration) bool {
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		return lo <= got && got <= hi
	}

	d1 := s.HandleDisconnected()
	if !within(d1, 1*time.Second) {
		t.Errorf("first reconnect delay = %v, want ~1s", d1)
	}
	s.Reopen()
	s.HandleConnected()
	d2 := s.HandleDisconnected()
	if !within(d2, 2*time.Second) {
		t.Errorf("second reconnect delay = %v, want ~2s", d2)
	}
	s.Reopen()
	s.HandleConnected()
	d3 := s.HandleDisconnected()
	if !within(d3, 4*time.Second) {
		t.Errorf("third reconnect delay = %v, want ~4s", d3)
	}
	if s.State() != Backoff {
		t.Errorf("state = %v, want Backoff", s.State())
	}
}

func TestNickCollisionRetryBound(t *testing.T) {
	s := NewSession(DefaultParams())
	s.params.Nick = "me"
	s.Open()
	s.HandleConnected()
	s.Outbox()

	feed(t, s, ":srv 433 * me :Nickname is already in use.")
	feed(t, s, ":srv 433 * me_ :Nickname is already in use.")
	feed(t, s, ":srv 433 * me__ :Nickname is already in use.")
	_, diags := feed(t, s, ":srv 433 * me___ :Nickname is already in use.")

	var failed bool
	for _, d := range diags {
		if d.Err == irc.ErrRegistrationFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("expected RegistrationFailed after exceeding nick collision retries")
	}
	if s.State() != Closing {
		t.Errorf("state = %v, want Closing", s.State())
	}
}

func TestOutboundQueueGatedUntilRegistered(t *testing.T) {
	s := NewSession(DefaultParams())
	s.params.Nick = "me"
	s.Open()
	s.HandleConnected()
	s.Outbox()

	if err := s.Send(irc.NewMessage("PRIVMSG", "#c", "hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(s.Outbox()) != 0 {
		t.Fatal("PRIVMSG should be held pending until Registered")
	}

	feed(t, s, ":srv 001 me :hi")
	out := s.Outbox()
	if len(out) != 1 || out[0].Command != "PRIVMSG" {
		t.Fatalf("expected the pending PRIVMSG to flush on registration, got %+v", out)
	}
}

func TestOutboxFloodControl(t *testing.T) {
	s := newRegisteredSession(t)
	for i := 0; i < 6; i++ {
		if err := s.Send(irc.NewMessage("PRIVMSG", "#c", "spam")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	out := s.Outbox()
	if len(out) >= 6 {
		t.Fatalf("limiter should hold back part of a 6-message burst, got all %d", len(out))
	}
	if len(out) == 0 {
		t.Fatal("limiter should release an initial burst")
	}
	// A later drain must not release any message a second time.
	time.Sleep(10 * time.Millisecond)
	rest := s.Outbox()
	total := len(out) + len(rest)
	if total > 6 {
		t.Fatalf("messages duplicated: %d released", total)
	}
}

func TestPingLiveness(t *testing.T) {
	s := newRegisteredSession(t)
	now := time.Now()

	if s.Tick(now.Add(61 * time.Second)) {
		t.Fatal("first interval expiry should queue a PING, not fail")
	}
	out := s.Outbox()
	var sawPing bool
	for _, msg := range out {
		if msg.Command == "PING" {
			sawPing = true
		}
	}
	if !sawPing {
		t.Fatal("expected a client PING after PingInterval of silence")
	}

	if !s.Tick(now.Add(122 * time.Second)) {
		t.Fatal("expected timeout after PingTimeout without a reply")
	}

	// Any server traffic clears the pending pong wait.
	s2 := newRegisteredSession(t)
	s2.Tick(now.Add(61 * time.Second))
	feed(t, s2, ":srv PONG srv :token")
	if s2.Tick(now.Add(200 * time.Second)) {
		// The PONG reset lastRecv to its own receipt time, so this far
		// future tick queues a fresh PING instead of failing.
		t.Fatal("PONG should have cleared the liveness timeout")
	}
}

func TestChatHistoryBatchComposesHistoryEvent(t *testing.T) {
	s := newRegisteredSession(t)
	feed(t, s, ":srv BATCH +ref chathistory bob")
	feed(t, s, "@batch=ref :bob!u@h PRIVMSG me :old one")
	feed(t, s, "@batch=ref :bob!u@h PRIVMSG me :old two")

	if s.Buffers().Find("bob") != nil {
		t.Fatal("playback must not open query buffers")
	}

	events, _ := feed(t, s, ":srv BATCH -ref")
	var hist *irc.HistoryEvent
	for _, ev := range events {
		if h, ok := ev.(irc.HistoryEvent); ok {
			hist = &h
		}
	}
	if hist == nil {
		t.Fatal("expected a HistoryEvent on batch close")
	}
	if hist.Target != "bob" || len(hist.Messages) != 2 {
		t.Fatalf("unexpected history: target=%q len=%d", hist.Target, len(hist.Messages))
	}
	first, ok := hist.Messages[0].(irc.MessageEvent)
	if !ok || first.Content != "old one" {
		t.Fatalf("unexpected first playback message: %+v", hist.Messages[0])
	}
}

func TestReadMarkerEvent(t *testing.T) {
	s := newRegisteredSession(t)
	events, _ := feed(t, s, ":bouncer READ bob timestamp=2023-01-05T12:00:00.000Z")
	var read *irc.ReadEvent
	for _, ev := range events {
		if r, ok := ev.(irc.ReadEvent); ok {
			read = &r
		}
	}
	if read == nil {
		t.Fatal("expected a ReadEvent")
	}
	if read.Target != "bob" || read.Timestamp.Hour() != 12 {
		t.Fatalf("unexpected read event: %+v", read)
	}
}

func TestMonitorOnlineOffline(t *testing.T) {
	s := newRegisteredSession(t)
	feed(t, s, ":srv 005 me MONITOR=100 :are supported by this server")
	if err := s.MonitorAdd("alice"); err != nil {
		t.Fatalf("MonitorAdd: %v", err)
	}

	events, _ := feed(t, s, ":srv 730 me :alice!u@h")
	var online bool
	for _, ev := range events {
		if on, ok := ev.(irc.UserOnlineEvent); ok && on.User == "alice" {
			online = true
		}
	}
	if !online {
		t.Fatal("expected a UserOnlineEvent for a monitored nick")
	}

	// Unmonitored nicks are ignored even if the server reports them.
	events, _ = feed(t, s, ":srv 731 me :stranger!u@h")
	for _, ev := range events {
		if _, ok := ev.(irc.UserOfflineEvent); ok {
			t.Fatal("unmonitored nick must not produce presence events")
		}
	}
}
