// Package protocol decodes raw IMAP server responses into typed records.
// Everything in this package is a pure transform over response text: no I/O,
// no connection state. The session layer feeds it the bytes it read off the
// wire and persists whatever comes back.
package protocol

import (
	"strconv"
	"strings"
)

// ListEntry is one mailbox from a LIST response.
type ListEntry struct {
	// Path is the full server-side hierarchical name.
	Path string
	// Name is the leaf component of Path.
	Name string
	// Delimiter is the hierarchy separator reported by the server.
	Delimiter string
	// Attributes are the raw LIST attributes, e.g. \HasNoChildren, \Noselect.
	Attributes []string
}

// HasAttribute reports whether the entry carries the given attribute,
// compared case-insensitively.
func (e *ListEntry) HasAttribute(attr string) bool {
	for _, a := range e.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// ParseListLine decodes a single `* LIST (attrs) "sep" path` line.
// Lines without a well-formed attribute list yield (nil, false).
func ParseListLine(line string) (*ListEntry, bool) {
	line = strings.TrimRight(line, "\r\n")
	const prefix = "* LIST "
	if !strings.HasPrefix(line, prefix) {
		return nil, false
	}
	rest := line[len(prefix):]

	open := strings.IndexByte(rest, '(')
	if open != 0 {
		return nil, false
	}
	close := strings.IndexByte(rest, ')')
	if close < 0 {
		return nil, false
	}
	attrs := strings.Fields(rest[open+1 : close])
	rest = strings.TrimLeft(rest[close+1:], " ")

	delim, rest, ok := takeString(rest)
	if !ok {
		return nil, false
	}
	if strings.EqualFold(delim, "NIL") {
		delim = ""
	}
	path, _, ok := takeString(strings.TrimLeft(rest, " "))
	if !ok || path == "" {
		return nil, false
	}

	name := path
	if delim != "" {
		if i := strings.LastIndex(path, delim); i >= 0 {
			name = path[i+len(delim):]
		}
	}
	return &ListEntry{
		Path:       path,
		Name:       name,
		Delimiter:  delim,
		Attributes: attrs,
	}, true
}

// SelectInfo is the state derived from a SELECT response.
type SelectInfo struct {
	UIDValidity uint32
	Exists      uint32
}

// ParseSelectResponse extracts UIDVALIDITY and EXISTS from a SELECT
// response. Absent values decode to 0, not an error.
func ParseSelectResponse(raw string) SelectInfo {
	var info SelectInfo
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if i := strings.Index(line, "[UIDVALIDITY "); i >= 0 {
			tail := line[i+len("[UIDVALIDITY "):]
			if j := strings.IndexByte(tail, ']'); j >= 0 {
				if v, err := strconv.ParseUint(strings.TrimSpace(tail[:j]), 10, 32); err == nil {
					info.UIDValidity = uint32(v)
				}
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "*" && strings.EqualFold(fields[2], "EXISTS") {
			if v, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				info.Exists = uint32(v)
			}
		}
	}
	return info
}

// ParseSearchResponse decodes the UID list of a `* SEARCH` response.
// Non-numeric tokens are silently skipped. An empty result is a valid,
// empty slice.
func ParseSearchResponse(raw string) []uint32 {
	uids := []uint32{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, "* SEARCH")
		if !ok {
			continue
		}
		for _, tok := range strings.Fields(rest) {
			v, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				continue
			}
			uids = append(uids, uint32(v))
		}
	}
	return uids
}

// takeString consumes a quoted string or a bare atom from the front of s.
func takeString(s string) (value, rest string, ok bool) {
	if s == "" {
		return "", "", false
	}
	if s[0] == '"' {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			switch s[i] {
			case '\\':
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
			case '"':
				return b.String(), s[i+1:], true
			default:
				b.WriteByte(s[i])
			}
		}
		return "", "", false
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i:], true
	}
	return s, "", true
}
