package finger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dfingerd/dfingerd/internal/presence"
)

// entry is one rendered row's worth of data, resolved from a live
// session plus its owning machine.
type entry struct {
	user     string
	machine  string
	line     string
	loginAge string
	idleAge  string
	origin   string
}

// Respond builds the rendered response body for req against store,
// evaluated at wall-clock time now (unix seconds). The returned bytes
// do not include the trailing CRLF terminator; the caller appends it
// before closing the connection.
func Respond(store *presence.Store, req Request, now int64) []byte {
	if req.Forwarding {
		return []byte(DeniedMessage)
	}

	entries := collect(store, req, now)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].user < entries[j].user
	})

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%-15s %-15s %8s %6s %6s %s\n",
			e.user, e.machine, e.line, e.loginAge, e.idleAge, e.origin)
	}
	return []byte(b.String())
}

func collect(store *presence.Store, req Request, now int64) []entry {
	switch {
	case req.User != "":
		return collectByUser(store, req.User, req.Host, now)
	case req.Host != "":
		return collectByHost(store, req.Host, now)
	default:
		return collectAll(store, now)
	}
}

func collectByUser(store *presence.Store, user, host string, now int64) []entry {
	var out []entry
	for _, u := range store.Users() {
		if !userMatches(u, user) {
			continue
		}
		for _, sess := range store.UserLiveSessions(u) {
			if host != "" && sess.Hostname != host {
				continue
			}
			out = append(out, entryFor(sess, now))
		}
	}
	return out
}

func collectByHost(store *presence.Store, host string, now int64) []entry {
	m, ok := store.LookupMachine(host)
	if !ok {
		return nil
	}
	var out []entry
	for _, sess := range store.LiveSessions(m) {
		out = append(out, entryFor(sess, now))
	}
	return out
}

func collectAll(store *presence.Store, now int64) []entry {
	var out []entry
	for _, m := range store.Machines() {
		for _, sess := range store.LiveSessions(m) {
			out = append(out, entryFor(sess, now))
		}
	}
	return out
}

// userMatches reports whether want equals the user's username or some
// whitespace/hyphen-delimited token of its resolved full name.
func userMatches(u *presence.User, want string) bool {
	if u.Username == want {
		return true
	}
	for _, tok := range strings.FieldsFunc(u.Fullname, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '-'
	}) {
		if tok == want {
			return true
		}
	}
	return false
}

func entryFor(sess *presence.LoginSession, now int64) entry {
	return entry{
		user:     sess.Username,
		machine:  sess.Hostname,
		line:     sess.Line,
		loginAge: FormatTimeDiff(now - sess.LoginTime),
		idleAge:  FormatTimeDiff(sess.IdleTime),
		origin:   sess.Origin,
	}
}

// FormatTimeDiff renders a duration in seconds the way the finger
// response table does:
//
//	negative  -> "n/a"
//	< 60s     -> "<n>s"
//	< 1h      -> "<m>m<s>s"
//	< 1d      -> "<h>h<m>m"
//	else      -> "<d>d<h>h"
func FormatTimeDiff(seconds int64) string {
	if seconds < 0 {
		return "n/a"
	}

	const (
		minute = 60
		hour   = 60 * minute
		day    = 24 * hour
	)

	switch {
	case seconds < minute:
		return fmt.Sprintf("%ds", seconds)
	case seconds < hour:
		return fmt.Sprintf("%dm%ds", seconds/minute, seconds%minute)
	case seconds < day:
		return fmt.Sprintf("%dh%dm", seconds/hour, (seconds%hour)/minute)
	default:
		return fmt.Sprintf("%dd%dh", seconds/day, (seconds%day)/hour)
	}
}
