// Package update implements the agent/aggregator update protocol:
// parsing login/control records from an agent connection and applying
// update/end/bye semantics against the presence store.
package update

import (
	"errors"
	"strconv"
	"strings"

	"github.com/dfingerd/dfingerd/internal/presence"
)

// Kind distinguishes the grammar productions a single record may match.
type Kind int

const (
	// KindLogin is a `login` record reporting one live session.
	KindLogin Kind = iota
	// KindControlUpdate is the informational "!!! UPDATE" marker.
	KindControlUpdate
	// KindControlEnd commits the current cycle (delete_logins, all=false).
	KindControlEnd
	// KindControlBye is a graceful disconnect (delete_logins, all=true).
	KindControlBye
	// KindBlank is an empty line, equivalent to END for legacy agents.
	KindBlank
)

// Record is one parsed line from an agent connection.
type Record struct {
	Kind  Kind
	Login presence.LoginReport
}

// ErrMalformed is returned for a login line that does not match the
// fixed field grammar. The caller should skip the line and keep the
// connection open rather than propagate this error.
var ErrMalformed = errors.New("update: malformed login line")

const (
	ctrlUpdate = "!!! UPDATE"
	ctrlEnd    = "!!! END"
	ctrlBye    = "!!! BYE"
)

// ParseRecord parses one line (as returned by lineproto.FetchLine, with
// the trailing '\n'/"\r\n" already stripped) into a Record.
//
// Field order for a login record is fixed and a trailing space before
// the newline is required:
//
//	USER SP LINE SP LOGIN_TIME SP IDLE_TIME SP HOST SP
func ParseRecord(line []byte) (Record, error) {
	s := string(line)

	switch s {
	case "":
		return Record{Kind: KindBlank}, nil
	case ctrlUpdate:
		return Record{Kind: KindControlUpdate}, nil
	case ctrlEnd:
		return Record{Kind: KindControlEnd}, nil
	case ctrlBye:
		return Record{Kind: KindControlBye}, nil
	}

	return parseLogin(s)
}

func parseLogin(s string) (Record, error) {
	fields := strings.Split(s, " ")
	// 5 data fields plus the mandatory trailing space yields a final
	// empty element.
	if len(fields) != 6 || fields[5] != "" {
		return Record{}, ErrMalformed
	}

	username, line, loginTimeStr, idleTimeStr, host := fields[0], fields[1], fields[2], fields[3], fields[4]
	if username == "" || line == "" || host == "" {
		return Record{}, ErrMalformed
	}
	if len(username) > presence.MaxUsernameLen {
		return Record{}, ErrMalformed
	}

	loginTime, err := strconv.ParseInt(loginTimeStr, 10, 64)
	if err != nil {
		return Record{}, ErrMalformed
	}

	idleTime, err := strconv.ParseInt(idleTimeStr, 10, 64)
	if err != nil {
		return Record{}, ErrMalformed
	}

	return Record{
		Kind: KindLogin,
		Login: presence.LoginReport{
			Username:  username,
			Line:      line,
			Origin:    host,
			LoginTime: loginTime,
			IdleTime:  idleTime,
		},
	}, nil
}
