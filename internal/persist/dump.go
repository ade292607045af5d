// Package persist implements the atomic snapshot writer and recovery
// reader for the presence store.
package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dfingerd/dfingerd/internal/presence"
)

// dumpVersionComment leads every dump written by this package. The
// reader skips any line beginning with '#' wherever a hostname or
// username line is expected, so older dumps without the comment still
// round-trip.
const dumpVersionComment = "# dfingerd dump v1"

// ErrMalformed indicates the dump file does not match the three-section
// layout. Fatal at startup: recovery is all-or-nothing.
var ErrMalformed = errors.New("persist: malformed dump file")

// Write atomically snapshots store to path: the writer emits to a
// sidecar temp file and renames it over path, so a reader never
// observes a partial file.
func Write(path string, store *presence.Store) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp dump: %w", err)
	}
	tmpPath := tmp.Name()

	if werr := writeTo(tmp, store); werr != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: write dump: %w", werr)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: sync dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: close dump: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: rename dump: %w", err)
	}
	return nil
}

func writeTo(w io.Writer, store *presence.Store) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, dumpVersionComment)

	machines := store.Machines()
	for _, m := range machines {
		fmt.Fprintln(bw, m.Hostname)
	}
	fmt.Fprintln(bw)

	for _, u := range store.Users() {
		fmt.Fprintln(bw, u.Username)
	}
	fmt.Fprintln(bw)

	for _, m := range machines {
		fmt.Fprintln(bw, m.Hostname)
		for _, sess := range store.LiveSessions(m) {
			fmt.Fprintln(bw, loginLine(sess))
		}
		for _, sess := range store.PastSessions(m) {
			fmt.Fprintln(bw, loginLine(sess))
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw)

	return bw.Flush()
}

// loginLine renders a session in the same grammar as an agent login
// record, trailing space included.
func loginLine(sess *presence.LoginSession) string {
	return fmt.Sprintf("%s %s %d %d %s ",
		sess.Username, sess.Line, sess.LoginTime, sess.IdleTime, sess.Origin)
}

// Read recovers store's state from path. A missing or unreadable dump
// file is not an error: the store simply starts empty. Any structural
// problem in an existing file is reported as ErrMalformed, since
// recovery must be all-or-nothing.
func Read(path string, store *presence.Store) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return nil //nolint:nilerr // unreadable dump starts empty
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil //nolint:nilerr // unreadable dump starts empty
	}

	return parseInto(data, store)
}

func parseInto(data []byte, store *presence.Store) error {
	lines := splitLines(data)
	i := 0
	skipComments := func() {
		for i < len(lines) && strings.HasPrefix(lines[i], "#") {
			i++
		}
	}

	skipComments()

	machines := make([]string, 0)
	for i < len(lines) && lines[i] != "" {
		if !strings.HasPrefix(lines[i], "#") {
			machines = append(machines, lines[i])
		}
		i++
	}
	if i >= len(lines) {
		return fmt.Errorf("%w: missing blank after machine section", ErrMalformed)
	}
	i++ // consume blank

	users := make([]string, 0)
	for i < len(lines) && lines[i] != "" {
		if !strings.HasPrefix(lines[i], "#") {
			users = append(users, lines[i])
		}
		i++
	}
	if i >= len(lines) {
		return fmt.Errorf("%w: missing blank after user section", ErrMalformed)
	}
	i++ // consume blank

	for _, h := range machines {
		store.FindOrAddMachine(h)
	}
	for _, u := range users {
		store.FindOrAddUser(u)
	}

	for i < len(lines) && lines[i] != "" {
		hostname := lines[i]
		i++
		if strings.HasPrefix(hostname, "#") {
			continue
		}

		m, ok := store.LookupMachine(hostname)
		if !ok {
			m = store.FindOrAddMachine(hostname)
		}

		for i < len(lines) && lines[i] != "" {
			report, perr := parseLoginLine(lines[i])
			if perr != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, perr)
			}
			store.RecoverSession(m, report)
			i++
		}
		if i >= len(lines) {
			return fmt.Errorf("%w: unterminated machine block for %q", ErrMalformed, hostname)
		}
		i++ // consume the blank ending this machine's block
	}

	return nil
}

func parseLoginLine(s string) (presence.LoginReport, error) {
	fields := strings.Split(s, " ")
	if len(fields) != 6 || fields[5] != "" {
		return presence.LoginReport{}, fmt.Errorf("login line %q: wrong field count", s)
	}

	loginTime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return presence.LoginReport{}, fmt.Errorf("login line %q: bad login_time: %w", s, err)
	}
	idleTime, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return presence.LoginReport{}, fmt.Errorf("login line %q: bad idle_time: %w", s, err)
	}

	return presence.LoginReport{
		Username:  fields[0],
		Line:      fields[1],
		LoginTime: loginTime,
		IdleTime:  idleTime,
		Origin:    fields[4],
	}, nil
}

// splitLines splits data on '\n', stripping a trailing '\r' from each
// line and dropping a single trailing empty element from the file's
// final newline.
func splitLines(data []byte) []string {
	raw := strings.Split(string(data), "\n")
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}
	for i, l := range raw {
		raw[i] = strings.TrimSuffix(l, "\r")
	}
	return raw
}
