package presence

import (
	"os/user"
	"strings"
)

// PasswordLookup resolves a username to (fullname, add_info) from the
// system account database. It is swappable for tests.
type PasswordLookup func(username string) (fullname, addInfo string, ok bool)

// osPasswordLookup is the default PasswordLookup, backed by os/user.
// Resolution is best effort: an unknown user is not an error.
func osPasswordLookup(username string) (fullname, addInfo string, ok bool) {
	u, err := user.Lookup(username)
	if err != nil {
		return "", "", false
	}
	return splitGecos(u.Name)
}

// splitGecos splits a GECOS-style field on the first comma: the full
// name is everything before it, add_info is everything after.
func splitGecos(gecos string) (fullname, addInfo string, ok bool) {
	if i := strings.IndexByte(gecos, ','); i >= 0 {
		return gecos[:i], gecos[i+1:], true
	}
	return gecos, "", true
}
