package state

import (
	"testing"

	"git.sr.ht/~taiite/ircore/irc"
)

func TestBuffersAddIdempotent(t *testing.T) {
	is := irc.NewISupport()
	b := NewBuffers(is)

	buf1, created1 := b.Add("#chan")
	if !created1 {
		t.Fatal("first Add should report created")
	}
	buf2, created2 := b.Add("#CHAN")
	if created2 {
		t.Fatal("second Add (different casing) should not recreate")
	}
	if buf1 != buf2 {
		t.Fatal("Add should return the same buffer regardless of casing")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestBuffersChannelVsQuery(t *testing.T) {
	is := irc.NewISupport()
	b := NewBuffers(is)

	chanBuf, _ := b.Add("#chan")
	if chanBuf.Kind != BufferChannel || chanBuf.Channel == nil {
		t.Fatalf("expected #chan to be a Channel buffer, got %+v", chanBuf)
	}

	queryBuf, _ := b.Add("alice")
	if queryBuf.Kind != BufferQuery || queryBuf.Nick != "alice" {
		t.Fatalf("expected alice to be a Query buffer, got %+v", queryBuf)
	}
}

func TestBuffersOrderAndRemove(t *testing.T) {
	is := irc.NewISupport()
	b := NewBuffers(is)
	b.Add("#a")
	b.Add("#b")
	b.Add("#c")

	if b.Get(1).Name != "#b" {
		t.Fatalf("Get(1) = %q, want #b", b.Get(1).Name)
	}

	b.Remove("#b")
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after Remove", b.Len())
	}
	if b.Get(1).Name != "#c" {
		t.Fatalf("Get(1) after remove = %q, want #c", b.Get(1).Name)
	}
	if b.Find("#b") != nil {
		t.Fatal("#b should no longer be findable")
	}
}

func TestBuffersRenameQuery(t *testing.T) {
	is := irc.NewISupport()
	b := NewBuffers(is)
	b.Add("alice")

	renamed := b.RenameQuery("alice", "alice2")
	if renamed == nil || renamed.Nick != "alice2" || renamed.Name != "alice2" {
		t.Fatalf("unexpected renamed buffer: %+v", renamed)
	}
	if b.Find("alice") != nil {
		t.Error("old key should no longer resolve")
	}
	if b.Find("alice2") == nil {
		t.Error("new key should resolve to the renamed buffer")
	}
}

func TestBuffersEachStopsEarly(t *testing.T) {
	is := irc.NewISupport()
	b := NewBuffers(is)
	b.Add("#a")
	b.Add("#b")
	b.Add("#c")

	var seen []string
	b.Each(func(buf *Buffer) bool {
		seen = append(seen, buf.Name)
		return buf.Name != "#b"
	})
	if len(seen) != 2 {
		t.Fatalf("Each should have stopped after #b, saw %v", seen)
	}
}
