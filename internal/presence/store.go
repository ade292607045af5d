package presence

import (
	"log/slog"
	"sort"
)

// noConn is the sentinel Machine.ConnID value meaning "no owning agent
// connection".
const noConn int32 = -1

// Store is the in-memory graph of machines, users, and login sessions,
// dual-indexed by both machine and user. It is the aggregator's single
// source of truth; every mutation in this package is a total function
// over the Store so the dual-index invariant is maintained in one
// place.
//
// Store is not safe for concurrent use. The event loop (internal/eventloop)
// is the only caller, and it is single-threaded by design.
type Store struct {
	machines map[string]*Machine
	users    map[string]*User
	sessions *arena
	lookup   PasswordLookup
	logger   *slog.Logger
}

// New creates an empty Store. A nil logger is replaced with slog.Default().
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		machines: make(map[string]*Machine),
		users:    make(map[string]*User),
		sessions: newArena(),
		lookup:   osPasswordLookup,
		logger:   logger.With(slog.String("component", "presence")),
	}
}

// SetPasswordLookup overrides the password-database resolver. Used by
// tests to avoid depending on the host's account database.
func (s *Store) SetPasswordLookup(l PasswordLookup) { s.lookup = l }

// FindOrAddMachine returns the Machine for hostname, creating it (with
// last_activity left at zero) if it does not already exist.
func (s *Store) FindOrAddMachine(hostname string) *Machine {
	if m, ok := s.machines[hostname]; ok {
		return m
	}
	m := &Machine{Hostname: hostname, ConnID: noConn}
	s.machines[hostname] = m
	return m
}

// LookupMachine returns the Machine for hostname without creating it.
func (s *Store) LookupMachine(hostname string) (*Machine, bool) {
	m, ok := s.machines[hostname]
	return m, ok
}

// FindOrAddUser returns the User for username, creating it and
// resolving fullname/add_info from the password database if it does
// not already exist.
func (s *Store) FindOrAddUser(username string) *User {
	if u, ok := s.users[username]; ok {
		return u
	}
	// LeastIdle starts at -1 ("no idle observed yet") so the first
	// reported idle always becomes the minimum.
	u := &User{Username: username, LeastIdle: -1}
	if fullname, addInfo, ok := s.lookup(username); ok {
		u.Fullname = fullname
		u.AddInfo = addInfo
	}
	s.users[username] = u
	return u
}

// LookupUser returns the User for username without creating it.
func (s *Store) LookupUser(username string) (*User, bool) {
	u, ok := s.users[username]
	return u, ok
}

// Machines returns every known machine. The returned slice is a fresh
// copy safe to range over while mutating the store.
func (s *Store) Machines() []*Machine {
	out := make([]*Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// Users returns every known user, as a fresh copy.
func (s *Store) Users() []*User {
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// Session dereferences a SessionID. Returns nil if the session has been
// freed.
func (s *Store) Session(id SessionID) *LoginSession {
	return s.sessions.get(id)
}

// LiveSessions returns the live sessions owned by machine m, in
// machine-list order (most recently linked first).
func (s *Store) LiveSessions(m *Machine) []*LoginSession {
	return s.resolve(m.logins)
}

// PastSessions returns the archived sessions owned by machine m.
func (s *Store) PastSessions(m *Machine) []*LoginSession {
	return s.resolve(m.pastLogins)
}

// UserLiveSessions returns the live sessions owned by user u.
func (s *Store) UserLiveSessions(u *User) []*LoginSession {
	return s.resolve(u.logins)
}

// UserPastSessions returns the archived sessions owned by user u.
func (s *Store) UserPastSessions(u *User) []*LoginSession {
	return s.resolve(u.pastLogins)
}

func (s *Store) resolve(ids chain) []*LoginSession {
	out := make([]*LoginSession, 0, len(ids))
	for _, id := range ids {
		if sess := s.sessions.get(id); sess != nil {
			out = append(out, sess)
		}
	}
	return out
}

// UpdateLogin applies one reported login record to machine m. It
// performs a linear scan of m's live sessions; a report matches a
// session iff all four of {username, login_time, line, origin} are
// equal.
//
// On a match: idle_time is overwritten, the session is marked checked,
// and the owning user's LeastIdle is lowered if the new idle is
// smaller (least_idle = min(least_idle, new_idle)). On no match, a new
// session is allocated and linked at the head of both the machine's
// and the user's live chains.
func (s *Store) UpdateLogin(m *Machine, report LoginReport) *LoginSession {
	for _, id := range m.logins {
		sess := s.sessions.get(id)
		if sess == nil {
			continue
		}
		if matches(sess, report) {
			u := s.FindOrAddUser(report.Username)
			if report.IdleTime >= 0 && (u.LeastIdle < 0 || report.IdleTime < u.LeastIdle) {
				u.LeastIdle = report.IdleTime
			}
			sess.IdleTime = report.IdleTime
			sess.checked = true
			return sess
		}
	}

	u := s.FindOrAddUser(report.Username)
	id := s.sessions.alloc(LoginSession{
		Username:  report.Username,
		Hostname:  m.Hostname,
		Line:      report.Line,
		Origin:    report.Origin,
		LoginTime: report.LoginTime,
		IdleTime:  report.IdleTime,
		checked:   true,
	})
	m.logins = m.logins.push(id)
	u.logins = u.logins.push(id)

	if report.IdleTime >= 0 && (u.LeastIdle < 0 || report.IdleTime < u.LeastIdle) {
		u.LeastIdle = report.IdleTime
	}

	return s.sessions.get(id)
}

// RecoverSession reconstructs one session from a persisted snapshot.
// Sessions with idle_time >= 0 are linked live; a negative idle_time
// marks a logged-out session and links past. The sign alone decides
// the live/past partition, so no separate boundary marker is needed in
// the dump.
func (s *Store) RecoverSession(m *Machine, report LoginReport) *LoginSession {
	u := s.FindOrAddUser(report.Username)

	id := s.sessions.alloc(LoginSession{
		Username:  report.Username,
		Hostname:  m.Hostname,
		Line:      report.Line,
		Origin:    report.Origin,
		LoginTime: report.LoginTime,
		IdleTime:  report.IdleTime,
	})

	if report.IdleTime >= 0 {
		m.logins = m.logins.push(id)
		u.logins = u.logins.push(id)
		if u.LeastIdle < 0 || report.IdleTime < u.LeastIdle {
			u.LeastIdle = report.IdleTime
		}
	} else {
		m.pastLogins = m.pastLogins.push(id)
		u.pastLogins = u.pastLogins.push(id)
	}

	return s.sessions.get(id)
}

func matches(sess *LoginSession, report LoginReport) bool {
	return sess.Username == report.Username &&
		sess.LoginTime == report.LoginTime &&
		sess.Line == report.Line &&
		sess.Origin == report.Origin
}

// DeleteLogins reconciles machine m's live list against the checked
// marks left by the current update cycle: for every live session where
// all || !checked, the session is moved to both sides' pastLogins with
// idle_time = IdleLoggedOut. Surviving sessions have their checked
// mark cleared, since the mark is per-cycle.
func (s *Store) DeleteLogins(m *Machine, all bool) {
	var surviving chain

	for _, id := range m.logins {
		sess := s.sessions.get(id)
		if sess == nil {
			continue
		}

		if all || !sess.checked {
			sess.IdleTime = IdleLoggedOut
			u, ok := s.users[sess.Username]

			m.pastLogins = m.pastLogins.push(id)
			if ok {
				u.logins = u.logins.remove(id)
				u.pastLogins = u.pastLogins.push(id)
			}
			continue
		}

		sess.checked = false
		surviving = append(surviving, id)
	}

	m.logins = surviving
}

// ClearLogin permanently frees session sess, unlinking it from whichever
// chains (live or past) it is still reachable from on both the machine
// and user sides. Used by the housekeeper's archive-purge and
// record-cap cutter.
func (s *Store) ClearLogin(sess *LoginSession) {
	if sess == nil {
		return
	}
	id := sess.ID

	if m, ok := s.machines[sess.Hostname]; ok {
		m.logins = m.logins.remove(id)
		m.pastLogins = m.pastLogins.remove(id)
	}
	if u, ok := s.users[sess.Username]; ok {
		u.logins = u.logins.remove(id)
		u.pastLogins = u.pastLogins.remove(id)
	}

	s.sessions.free_(id)
}

// RemoveMachine drops a machine with no remaining sessions.
func (s *Store) RemoveMachine(m *Machine) {
	delete(s.machines, m.Hostname)
}

// RemoveUser drops a user with no remaining sessions.
func (s *Store) RemoveUser(u *User) {
	delete(s.users, u.Username)
}

// CutMachineLogins trims a machine's combined (live+past) session
// count to max, oldest login_time first, freeing the rest. Returns the
// number of sessions freed.
func (s *Store) CutMachineLogins(m *Machine, max int) int {
	combined := append(append([]SessionID{}, m.logins...), m.pastLogins...)
	return s.cutCombined(combined, max)
}

// CutUserLogins trims a user's combined session count to max, the same
// way CutMachineLogins does for a machine.
func (s *Store) CutUserLogins(u *User, max int) int {
	combined := append(append([]SessionID{}, u.logins...), u.pastLogins...)
	return s.cutCombined(combined, max)
}

func (s *Store) cutCombined(combined []SessionID, max int) int {
	if max < 0 || len(combined) <= max {
		return 0
	}

	sessions := make([]*LoginSession, 0, len(combined))
	for _, id := range combined {
		if sess := s.sessions.get(id); sess != nil {
			sessions = append(sessions, sess)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LoginTime > sessions[j].LoginTime
	})

	freed := 0
	for i := max; i < len(sessions); i++ {
		s.ClearLogin(sessions[i])
		freed++
	}
	return freed
}
