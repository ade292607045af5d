package presence_test

import (
	"testing"

	"github.com/dfingerd/dfingerd/internal/presence"
)

func newTestStore(t *testing.T) *presence.Store {
	t.Helper()
	s := presence.New(nil)
	s.SetPasswordLookup(func(username string) (string, string, bool) {
		return "", "", false
	})
	return s
}

func report(user string, loginTime, idle int64) presence.LoginReport {
	return presence.LoginReport{
		Username:  user,
		Line:      "pts/0",
		Origin:    ":0.0",
		LoginTime: loginTime,
		IdleTime:  idle,
	}
}

func TestFindOrAddMachineIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m1 := s.FindOrAddMachine("lab1")
	m2 := s.FindOrAddMachine("lab1")

	if m1 != m2 {
		t.Fatal("FindOrAddMachine returned distinct machines for the same hostname")
	}
}

func TestFindOrAddUserResolvesPasswordDatabase(t *testing.T) {
	t.Parallel()

	s := presence.New(nil)
	s.SetPasswordLookup(func(username string) (string, string, bool) {
		if username == "jdoe" {
			return "John Doe", "office 3", true
		}
		return "", "", false
	})

	u := s.FindOrAddUser("jdoe")
	if u.Fullname != "John Doe" || u.AddInfo != "office 3" {
		t.Errorf("u = %+v, want resolved fullname/add_info", u)
	}

	// An unknown user is not an error; absence is just left blank.
	other := s.FindOrAddUser("ghost")
	if other.Fullname != "" {
		t.Errorf("ghost.Fullname = %q, want empty", other.Fullname)
	}
}

func TestUpdateLoginCreatesNewSessionOnNoMatch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	sess := s.UpdateLogin(m, report("alice", 1700000000, 5))
	if sess == nil {
		t.Fatal("UpdateLogin returned nil")
	}

	live := s.LiveSessions(m)
	if len(live) != 1 || live[0] != sess {
		t.Fatalf("machine live sessions = %v, want [%v]", live, sess)
	}

	u, ok := s.LookupUser("alice")
	if !ok {
		t.Fatal("user alice was not created")
	}
	userLive := s.UserLiveSessions(u)
	if len(userLive) != 1 || userLive[0] != sess {
		t.Fatalf("user live sessions = %v, want [%v]", userLive, sess)
	}
}

func TestUpdateLoginMatchesOnAllFourFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	first := s.UpdateLogin(m, report("alice", 1700000000, 5))
	second := s.UpdateLogin(m, report("alice", 1700000000, 30))

	if first != second {
		t.Fatalf("second UpdateLogin with matching tuple allocated a new session")
	}
	if second.IdleTime != 30 {
		t.Errorf("IdleTime = %d, want 30 (overwritten)", second.IdleTime)
	}
	if len(s.LiveSessions(m)) != 1 {
		t.Errorf("live sessions = %d, want 1 (no duplicate)", len(s.LiveSessions(m)))
	}
}

func TestUpdateLoginDifferentLoginTimeIsNewSession(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	s.UpdateLogin(m, report("alice", 1700000000, 5))
	s.UpdateLogin(m, report("alice", 1700000100, 5))

	if len(s.LiveSessions(m)) != 2 {
		t.Fatalf("live sessions = %d, want 2 (distinct login_time)", len(s.LiveSessions(m)))
	}
}

func TestUpdateLoginLeastIdleTracksMinimum(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	s.UpdateLogin(m, report("alice", 1700000000, 50))
	u, _ := s.LookupUser("alice")
	if u.LeastIdle != 50 {
		t.Fatalf("LeastIdle = %d, want 50", u.LeastIdle)
	}

	// A second, lower idle lowers LeastIdle (least_idle = min(least_idle, new_idle)).
	s.UpdateLogin(m, report("alice", 1700000100, 10))
	u, _ = s.LookupUser("alice")
	if u.LeastIdle != 10 {
		t.Fatalf("LeastIdle = %d, want 10 after a smaller idle was reported", u.LeastIdle)
	}

	// A larger idle does not raise LeastIdle back up.
	s.UpdateLogin(m, report("alice", 1700000200, 999))
	u, _ = s.LookupUser("alice")
	if u.LeastIdle != 10 {
		t.Fatalf("LeastIdle = %d, want 10 (unchanged by a larger idle)", u.LeastIdle)
	}
}

func TestDeleteLoginsArchivesUnreportedSessions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	// Cycle 1: both alice and bob report in and the cycle commits, so
	// both start out live.
	s.UpdateLogin(m, report("alice", 1700000000, 5))
	s.UpdateLogin(m, report("bob", 1700000001, 3))
	s.DeleteLogins(m, false)

	// Cycle 2: only alice re-reports. bob's session keeps its cleared
	// checked mark from cycle 1's commit, so committing this cycle
	// archives it.
	s.UpdateLogin(m, report("alice", 1700000000, 5))
	s.DeleteLogins(m, false)

	live := s.LiveSessions(m)
	if len(live) != 1 || live[0].Username != "alice" {
		t.Fatalf("live sessions = %v, want only alice", live)
	}

	past := s.PastSessions(m)
	if len(past) != 1 || past[0].Username != "bob" {
		t.Fatalf("past sessions = %v, want only bob", past)
	}
	if past[0].IdleTime != presence.IdleLoggedOut {
		t.Errorf("bob's past IdleTime = %d, want %d", past[0].IdleTime, presence.IdleLoggedOut)
	}

	u, ok := s.LookupUser("bob")
	if !ok {
		t.Fatal("user bob should still exist (past session)")
	}
	if len(s.UserLiveSessions(u)) != 0 || len(s.UserPastSessions(u)) != 1 {
		t.Errorf("bob's user-side lists did not move in lockstep with the machine side")
	}
}

func TestDeleteLoginsAllArchivesEverything(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	s.UpdateLogin(m, report("alice", 1700000000, 5))
	s.UpdateLogin(m, report("bob", 1700000001, 3))

	s.DeleteLogins(m, true)

	if len(s.LiveSessions(m)) != 0 {
		t.Fatalf("live sessions = %d, want 0 after BYE (all=true)", len(s.LiveSessions(m)))
	}
	if len(s.PastSessions(m)) != 2 {
		t.Fatalf("past sessions = %d, want 2", len(s.PastSessions(m)))
	}
}

// TestDualIndexConsistency: every session reachable from a machine's
// list is reachable from the same-named user's matching list, and vice
// versa.
func TestDualIndexConsistency(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	s.UpdateLogin(m, report("alice", 1700000000, 5))
	s.UpdateLogin(m, report("bob", 1700000001, 3))
	s.DeleteLogins(m, false) // cycle 1 commits: both stay live

	s.UpdateLogin(m, report("alice", 1700000000, 5)) // cycle 2: only alice re-reports
	s.DeleteLogins(m, false)                         // bob never got re-checked -> archived

	u, _ := s.LookupUser("alice")
	for _, sess := range s.LiveSessions(m) {
		found := false
		for _, us := range s.UserLiveSessions(u) {
			if us == sess {
				found = true
			}
		}
		if sess.Username == "alice" && !found {
			t.Errorf("session %+v in machine.logins but not in user.logins", sess)
		}
	}

	bobUser, _ := s.LookupUser("bob")
	for _, sess := range s.PastSessions(m) {
		found := false
		for _, us := range s.UserPastSessions(bobUser) {
			if us == sess {
				found = true
			}
		}
		if !found {
			t.Errorf("session %+v in machine.pastLogins but not in user.pastLogins", sess)
		}
	}
}

func TestClearLoginUnlinksFromBothSides(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")
	sess := s.UpdateLogin(m, report("alice", 1700000000, 5))

	s.ClearLogin(sess)

	if len(s.LiveSessions(m)) != 0 {
		t.Errorf("machine live sessions not cleared")
	}
	u, _ := s.LookupUser("alice")
	if len(s.UserLiveSessions(u)) != 0 {
		t.Errorf("user live sessions not cleared")
	}
	if s.Session(sess.ID) != nil {
		t.Errorf("session still resolvable from arena after ClearLogin")
	}
}

func TestCutMachineLoginsTrimsOldestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	for i := int64(0); i < 5; i++ {
		s.UpdateLogin(m, report("user", 1700000000+i, 0))
		s.DeleteLogins(m, true) // immediately archive, building up past_logins
	}

	freed := s.CutMachineLogins(m, 2)
	if freed != 3 {
		t.Fatalf("freed = %d, want 3", freed)
	}
	if total := len(s.LiveSessions(m)) + len(s.PastSessions(m)); total != 2 {
		t.Fatalf("remaining sessions = %d, want 2", total)
	}

	// The two survivors should be the ones with the largest login_time.
	for _, sess := range s.PastSessions(m) {
		if sess.LoginTime < 1700000002 {
			t.Errorf("survivor has login_time %d, want the two most recent", sess.LoginTime)
		}
	}
}

func TestRecoverSessionPartitionsByIdleSign(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")

	live := s.RecoverSession(m, report("alice", 1700000000, 5))
	past := s.RecoverSession(m, report("bob", 1700000001, presence.IdleLoggedOut))

	// live was returned before the second alloc, which may move the
	// arena's backing storage, so it is compared by ID.
	if len(s.LiveSessions(m)) != 1 || s.LiveSessions(m)[0].ID != live.ID {
		t.Errorf("live session not recovered into the live chain")
	}
	if len(s.PastSessions(m)) != 1 || s.PastSessions(m)[0] != past {
		t.Errorf("past session not recovered into the past chain")
	}
}

func TestRemoveMachineAndUser(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	m := s.FindOrAddMachine("lab1")
	s.RemoveMachine(m)
	if _, ok := s.LookupMachine("lab1"); ok {
		t.Error("machine still present after RemoveMachine")
	}

	u := s.FindOrAddUser("alice")
	s.RemoveUser(u)
	if _, ok := s.LookupUser("alice"); ok {
		t.Error("user still present after RemoveUser")
	}
}
