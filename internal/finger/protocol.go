// Package finger implements the RFC-1288-style finger query parser and
// responder: one newline-terminated request in, one rendered response
// out, no forwarding.
package finger

import "strings"

// Request is a parsed finger query.
type Request struct {
	// Verbose records whether "/W" was present. Parsed but currently
	// produces the same output as terse.
	Verbose bool
	// User is the requested username, or "" if none was given.
	User string
	// Host is the requested hostname, or "" if none was given.
	Host string
	// Forwarding is true when the request named two or more hosts
	// (two or more '@'), which this aggregator refuses to service.
	Forwarding bool
}

// DeniedMessage is the exact response body for a forwarding request.
const DeniedMessage = "Finger forwarding service denied"

// ParseRequest parses raw (the request bytes with CRLF/LF already
// stripped by the line buffer) per the grammar:
//
//	request := [ "/W" SP* ] [ user ] [ "@" host ] CRLF
//
// A malformed request (anything that isn't the forwarding case) is
// treated as an empty request: list everything.
func ParseRequest(raw []byte) Request {
	s := string(raw)

	if strings.Count(s, "@") >= 2 {
		return Request{Forwarding: true}
	}

	if rest, ok := strings.CutPrefix(s, "/W"); ok {
		s = strings.TrimLeft(rest, " \t")
		return parseUserHost(s, true)
	}

	return parseUserHost(s, false)
}

func parseUserHost(s string, verbose bool) Request {
	req := Request{Verbose: verbose}

	if at := strings.IndexByte(s, '@'); at >= 0 {
		req.User = s[:at]
		req.Host = s[at+1:]
	} else {
		req.User = s
	}

	return req
}
