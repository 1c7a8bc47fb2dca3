package state

import (
	"git.sr.ht/~taiite/ircore/casemap"
	"git.sr.ht/~taiite/ircore/irc"
)

// BufferKind distinguishes a Channel buffer from a Query (private
// conversation) buffer.
type BufferKind int

const (
	BufferChannel BufferKind = iota
	BufferQuery
)

// Buffer is an addressable conversation: a Channel or a Query, keyed by
// its casemapped name.
type Buffer struct {
	Kind BufferKind
	Name string

	Channel *Channel // non-nil iff Kind == BufferChannel
	Nick    string   // remote nick, non-"" iff Kind == BufferQuery

	key casemap.Casemapped
}

// Buffers is the connection-owned map of open conversations, in
// insertion order.
type Buffers struct {
	is *irc.ISupport

	byKey map[casemap.Casemapped]*Buffer
	order []*Buffer
}

// NewBuffers returns an empty Buffers set consulting is for casemap and
// channel-type detection.
func NewBuffers(is *irc.ISupport) *Buffers {
	return &Buffers{is: is, byKey: map[casemap.Casemapped]*Buffer{}}
}

// Find returns the buffer for name, or nil.
func (b *Buffers) Find(name string) *Buffer {
	return b.byKey[casemap.Key(b.is.Casemap(), name)]
}

// Add returns the existing buffer for name, or creates and appends one.
// Channels are detected by CHANTYPES membership of name's first byte;
// everything else becomes a Query. created reports whether a new buffer
// was allocated, so callers can emit BufferAddedEvent only on actual
// creation.
func (b *Buffers) Add(name string) (buf *Buffer, created bool) {
	key := casemap.Key(b.is.Casemap(), name)
	if existing, ok := b.byKey[key]; ok {
		return existing, false
	}

	buf = &Buffer{Name: name, key: key}
	if b.is.IsChannel(name) {
		buf.Kind = BufferChannel
		buf.Channel = NewChannel(name, b.is)
	} else {
		buf.Kind = BufferQuery
		buf.Nick = name
	}

	b.byKey[key] = buf
	b.order = append(b.order, buf)
	return buf, true
}

// Remove deletes the buffer for name, returning it if present.
func (b *Buffers) Remove(name string) *Buffer {
	key := casemap.Key(b.is.Casemap(), name)
	buf, ok := b.byKey[key]
	if !ok {
		return nil
	}
	delete(b.byKey, key)
	for i, v := range b.order {
		if v == buf {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return buf
}

// Get returns the buffer at position index, or nil if out of range.
func (b *Buffers) Get(index int) *Buffer {
	if index < 0 || index >= len(b.order) {
		return nil
	}
	return b.order[index]
}

// Len returns the number of open buffers.
func (b *Buffers) Len() int {
	return len(b.order)
}

// Each calls fn for every buffer in order, stopping early if fn returns
// false.
func (b *Buffers) Each(fn func(*Buffer) bool) {
	for _, buf := range b.order {
		if !fn(buf) {
			return
		}
	}
}

// RenameQuery updates a Query buffer's key and nick after the remote
// user renamed, tracking them across the rename.
func (b *Buffers) RenameQuery(oldNick, newNick string) *Buffer {
	key := casemap.Key(b.is.Casemap(), oldNick)
	buf, ok := b.byKey[key]
	if !ok || buf.Kind != BufferQuery {
		return nil
	}
	delete(b.byKey, key)
	buf.Nick = newNick
	buf.Name = newNick
	buf.key = casemap.Key(b.is.Casemap(), newNick)
	b.byKey[buf.key] = buf
	return buf
}
