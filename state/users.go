package state

import (
	"sort"
	"strings"
	"time"

	"git.sr.ht/~taiite/ircore/casemap"
	"git.sr.ht/~taiite/ircore/irc"
)

// User is a per-channel roster entry. The same nick in two channels is
// two distinct User records, since mode/prefix are channel-local.
type User struct {
	Name     string
	Ident    string
	Host     string
	Mode     string // server-mode letters applied to this user, rank order
	Prefix   string // matching prefix chars, same order as Mode
	Away     bool
	RealName string
	Server   string
	Account  string

	LastActive time.Time

	key casemap.Casemapped
}

// SortMethod selects the ordering policy of a Users view.
type SortMethod int

const (
	Unsorted SortMethod = iota
	SortByName
	SortByTitle
	SortByActivity
)

// Direction is independent of SortMethod.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Users is an ordered view over a channel's roster, with a pluggable sort
// method and optional dynamic re-sort on every change.
type Users struct {
	is *irc.ISupport

	byKey map[casemap.Casemapped]*User
	order []*User

	method    SortMethod
	direction Direction
	dynamic   bool
}

// NewUsers returns an empty Users view consulting is for casemap and
// PREFIX rank.
func NewUsers(is *irc.ISupport) *Users {
	return &Users{
		is:    is,
		byKey: map[casemap.Casemapped]*User{},
	}
}

// SetSort changes the sort method and direction, re-sorting immediately.
func (u *Users) SetSort(method SortMethod, dir Direction) {
	u.method = method
	u.direction = dir
	u.resort()
}

// SetDynamic enables or disables re-sort-on-every-change.
func (u *Users) SetDynamic(dynamic bool) {
	u.dynamic = dynamic
	if dynamic {
		u.resort()
	}
}

// Count returns the roster size.
func (u *Users) Count() int {
	return len(u.order)
}

// At returns the User at position i in the current order.
func (u *Users) At(i int) *User {
	if i < 0 || i >= len(u.order) {
		return nil
	}
	return u.order[i]
}

// Names returns the display names in the current order.
func (u *Users) Names() []string {
	names := make([]string, len(u.order))
	for i, user := range u.order {
		names[i] = user.Name
	}
	return names
}

// Contains reports whether name (any casing) is present.
func (u *Users) Contains(name string) bool {
	_, ok := u.byKey[casemap.Key(u.is.Casemap(), name)]
	return ok
}

// User looks up a roster entry by name, casemap-folded.
func (u *Users) User(name string) *User {
	return u.byKey[casemap.Key(u.is.Casemap(), name)]
}

// IndexOf returns user's position in the current order, or -1.
func (u *Users) IndexOf(user *User) int {
	for i, v := range u.order {
		if v == user {
			return i
		}
	}
	return -1
}

// Add inserts a new User at the end of insertion order, or returns the
// existing one if name is already present.
func (u *Users) Add(name string) *User {
	key := casemap.Key(u.is.Casemap(), name)
	if existing, ok := u.byKey[key]; ok {
		return existing
	}
	user := &User{Name: name, key: key}
	u.byKey[key] = user
	u.order = append(u.order, user)
	if u.dynamic {
		u.resort()
	}
	return user
}

// Remove deletes name from the roster, returning the removed User if any.
func (u *Users) Remove(name string) *User {
	key := casemap.Key(u.is.Casemap(), name)
	user, ok := u.byKey[key]
	if !ok {
		return nil
	}
	delete(u.byKey, key)
	for i, v := range u.order {
		if v == user {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
	return user
}

// Rename moves a User from old to new, casemap-normalizing the key. If a
// User already occupies the new key, they are merged: the renamed user's
// display fields win, the occupant's channel mode/prefix are preserved.
func (u *Users) Rename(old, new string) *User {
	oldKey := casemap.Key(u.is.Casemap(), old)
	user, ok := u.byKey[oldKey]
	if !ok {
		return nil
	}
	delete(u.byKey, oldKey)

	newKey := casemap.Key(u.is.Casemap(), new)
	if occupant, ok := u.byKey[newKey]; ok && occupant != user {
		occupant.Name = new
		occupant.Ident = user.Ident
		occupant.Host = user.Host
		occupant.RealName = user.RealName
		occupant.Server = user.Server
		occupant.Account = user.Account
		occupant.Away = user.Away
		occupant.LastActive = user.LastActive
		for i, v := range u.order {
			if v == user {
				u.order = append(u.order[:i], u.order[i+1:]...)
				break
			}
		}
		if u.dynamic {
			u.resort()
		}
		return occupant
	}

	user.Name = new
	user.key = newKey
	u.byKey[newKey] = user
	if u.dynamic {
		u.resort()
	}
	return user
}

// Touch bumps a user's activity timestamp and, under dynamic
// SortByActivity in Ascending direction, repositions them to index 0.
func (u *Users) Touch(user *User, at time.Time) {
	user.LastActive = at
	if u.dynamic {
		u.resort()
	}
}

// Resort applies the current sort method immediately, whether or not the
// view is dynamic.
func (u *Users) Resort() {
	u.resort()
}

func (u *Users) resort() {
	switch u.method {
	case Unsorted:
		return
	case SortByName:
		sort.SliceStable(u.order, func(i, j int) bool {
			return less(u.direction, strings.ToLower(u.order[i].Name), strings.ToLower(u.order[j].Name))
		})
	case SortByTitle:
		sort.SliceStable(u.order, func(i, j int) bool {
			ri, rj := u.rank(u.order[i]), u.rank(u.order[j])
			if ri != rj {
				return less(u.direction, ri, rj)
			}
			return less(u.direction, strings.ToLower(u.order[i].Name), strings.ToLower(u.order[j].Name))
		})
	case SortByActivity:
		sort.SliceStable(u.order, func(i, j int) bool {
			ti, tj := u.order[i].LastActive, u.order[j].LastActive
			if !ti.Equal(tj) {
				// most recent first regardless of direction's sense for
				// ties; direction flips the primary comparison only.
				if u.direction == Ascending {
					return ti.After(tj)
				}
				return ti.Before(tj)
			}
			return false
		})
	}
}

// rank returns the PREFIX rank of user's highest-privilege mode, or a
// sentinel larger than any real rank when the mode string is empty, so
// unranked users sort after every ranked one ascending.
func (u *Users) rank(user *User) int {
	if user.Mode == "" {
		return len(u.is.PrefixModes) + 1
	}
	best := len(u.is.PrefixModes) + 1
	for _, m := range user.Mode {
		r := u.is.Rank(byte(m))
		if r < 0 {
			continue
		}
		if r < best {
			best = r
		}
	}
	return best
}

func less[T interface{ ~int | ~string }](dir Direction, a, b T) bool {
	if dir == Ascending {
		return a < b
	}
	return a > b
}
