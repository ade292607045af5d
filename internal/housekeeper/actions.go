package housekeeper

import (
	"github.com/dfingerd/dfingerd/internal/presence"
)

// CloseConnFunc closes an agent's connection, invoked by IdleOut before
// it clears that machine's logins. The event loop supplies the real
// implementation since it alone owns the connection table.
type CloseConnFunc func(connID int32)

// IdleOut is the idle-out timer's action: for each machine with
// now - last_activity > clientLifetime, its agent connection (if any)
// is closed and all of its logins are moved to past.
func IdleOut(store *presence.Store, now, clientLifetime int64, closeConn CloseConnFunc) {
	for _, m := range store.Machines() {
		if now-m.LastActivity <= clientLifetime {
			continue
		}
		if m.HasConn() {
			closeConn(m.ConnID)
			m.ConnID = -1
		}
		store.DeleteLogins(m, true)
	}
}

// Purge is the purge timer's action: past sessions older than
// archiveTime are dropped, then machines/users left with empty lists
// and aged-out activity are dropped too. Each machine's past sessions
// are copied out before iterating, so freeing one never re-examines
// the list being walked.
func Purge(store *presence.Store, now, archiveTime int64) {
	for _, m := range store.Machines() {
		for _, sess := range store.PastSessions(m) {
			if now-sess.LoginTime > archiveTime {
				store.ClearLogin(sess)
			}
		}
	}

	for _, m := range store.Machines() {
		if len(store.LiveSessions(m)) == 0 && len(store.PastSessions(m)) == 0 &&
			now-m.LastActivity > archiveTime {
			store.RemoveMachine(m)
		}
	}

	for _, u := range store.Users() {
		if len(store.UserLiveSessions(u)) == 0 && len(store.UserPastSessions(u)) == 0 &&
			u.LeastIdle > archiveTime {
			store.RemoveUser(u)
		}
	}
}

// Cut is the cut timer's action: every machine's and every user's
// combined (live + past) session count is trimmed to numRecords,
// oldest login_time first.
func Cut(store *presence.Store, numRecords int) {
	for _, m := range store.Machines() {
		store.CutMachineLogins(m, numRecords)
	}
	for _, u := range store.Users() {
		store.CutUserLogins(u, numRecords)
	}
}
