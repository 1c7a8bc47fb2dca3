package irc

import "testing"

func TestParseChannelMode(t *testing.T) {
	chanModes := [4]string{"b", "k", "l", "imnpst"}
	changes, err := ParseChannelMode("+ovk", []string{"nick1", "nick2", "secret"}, chanModes, "ov")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []ModeChange{
		{Enable: true, Mode: 'o', Param: "nick1"},
		{Enable: true, Mode: 'v', Param: "nick2"},
		{Enable: true, Mode: 'k', Param: "secret"},
	}
	if len(changes) != len(want) {
		t.Fatalf("len = %d, want %d: %+v", len(changes), len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %+v, want %+v", i, changes[i], want[i])
		}
	}
}

func TestParseChannelModeSignedRuns(t *testing.T) {
	chanModes := [4]string{"b", "k", "l", "imnpst"}
	changes, err := ParseChannelMode("+i-l", []string{}, chanModes, "ov")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 || changes[0].Mode != 'i' || changes[0].Enable != true {
		t.Errorf("changes = %+v", changes)
	}
	if changes[1].Mode != 'l' || changes[1].Enable != false {
		t.Errorf("changes[1] = %+v", changes[1])
	}
	// -l does not consume an argument: chanModes[2] ('l') only consumes on '+'.
}

func TestParseChannelModeMissingArg(t *testing.T) {
	chanModes := [4]string{"b", "k", "l", "imnpst"}
	_, err := ParseChannelMode("+o", nil, chanModes, "ov")
	if err == nil {
		t.Error("expected error for missing mode argument")
	}
}

func TestFormatChannelMode(t *testing.T) {
	changes := []ModeChange{
		{Enable: true, Mode: 'o', Param: "nick1"},
		{Enable: false, Mode: 'v', Param: "nick2"},
	}
	modes, args := FormatChannelMode(changes)
	if modes != "+o-v" {
		t.Errorf("modes = %q", modes)
	}
	if len(args) != 2 || args[0] != "nick1" || args[1] != "nick2" {
		t.Errorf("args = %#v", args)
	}
}
