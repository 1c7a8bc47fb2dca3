package irc

import "testing"

func TestMessageEventLinks(t *testing.T) {
	ev := MessageEvent{Content: "see https://example.com/page and http://mirror.example"}
	links := ev.Links()
	if len(links) != 2 {
		t.Fatalf("links = %#v, want 2 entries", links)
	}
	if links[0] != "https://example.com/page" || links[1] != "http://mirror.example" {
		t.Fatalf("links = %#v", links)
	}
}

func TestMessageEventLinksInAction(t *testing.T) {
	content := "\x01ACTION shares https://example.com\x01"
	ctcp, ok := ParseCTCP(content)
	if !ok {
		t.Fatal("expected CTCP framing")
	}
	ev := MessageEvent{Content: content, CTCP: &ctcp}
	links := ev.Links()
	if len(links) != 1 || links[0] != "https://example.com" {
		t.Fatalf("links = %#v", links)
	}
}

func TestMessageEventLinksNone(t *testing.T) {
	ev := MessageEvent{Content: "no links here"}
	if links := ev.Links(); len(links) != 0 {
		t.Fatalf("links = %#v, want none", links)
	}
}
