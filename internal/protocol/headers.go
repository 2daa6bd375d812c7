package protocol

import (
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// Header is the decoded header block of one fetched message. Every field
// except UID may be absent; absent strings are empty and an absent date is
// nil. A block whose UID is missing or zero is discarded by the parser.
type Header struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References string
	From       string
	FromName   string
	To         []string
	Cc         []string
	Subject    string
	Date       *time.Time
	Flags      []string
	Size       uint32
}

// dateLayouts covers RFC 5322 dates with and without the leading day-name,
// with numeric and named zones.
var dateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04 -0700",
}

// ParseDate decodes an RFC 5322 date, tolerating a missing day-name and a
// trailing zone comment.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '('); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseHeaderBlocks decodes the header blocks of a (possibly multi-message)
// FETCH response. Blocks without a usable UID are dropped.
func ParseHeaderBlocks(raw []byte) []Header {
	var headers []Header
	for _, block := range splitFetchBlocks(raw) {
		h, ok := parseHeaderBlock(block)
		if !ok {
			continue
		}
		headers = append(headers, h)
	}
	return headers
}

// ParseFlagBlocks decodes a flags-only FETCH response into a map keyed by
// UID. Blocks without a usable UID are dropped.
func ParseFlagBlocks(raw []byte) map[uint32][]string {
	flags := make(map[uint32][]string)
	for _, block := range splitFetchBlocks(raw) {
		text := string(stripLiterals(block))
		uid := fetchUID(text)
		if uid == 0 {
			continue
		}
		flags[uid] = fetchFlags(text)
	}
	return flags
}

func parseHeaderBlock(block []byte) (Header, bool) {
	// Attribute scans must not see literal payloads: a message header can
	// legally contain the text "UID 1".
	attrs := string(stripLiterals(block))
	h := Header{UID: fetchUID(attrs)}
	// UID 0 means "no UID"; such a record cannot key anything.
	if h.UID == 0 {
		return Header{}, false
	}
	h.Flags = fetchFlags(attrs)
	h.Size = fetchSize(attrs)

	for name, value := range headerFields(string(block)) {
		switch name {
		case "message-id":
			h.MessageID = strings.TrimSpace(value)
		case "in-reply-to":
			h.InReplyTo = strings.TrimSpace(value)
		case "references":
			h.References = strings.Join(strings.Fields(value), " ")
		case "from":
			h.From, h.FromName = parseAddress(value)
		case "to":
			h.To = parseAddressList(value)
		case "cc":
			h.Cc = parseAddressList(value)
		case "subject":
			h.Subject = strings.TrimSpace(value)
		case "date":
			if t, ok := ParseDate(value); ok {
				h.Date = &t
			}
		}
	}
	return h, true
}

// headerFields extracts RFC 5322 header fields from a FETCH block,
// unfolding continuation lines.
func headerFields(text string) map[string]string {
	fields := make(map[string]string)
	lines := strings.Split(text, "\n")
	var name, value string
	flush := func() {
		if name != "" {
			fields[name] = value
			name, value = "", ""
		}
	}
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, ")") {
			flush()
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Folded continuation of the previous field.
			if name != "" {
				value += " " + strings.TrimSpace(line)
			}
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			flush()
			continue
		}
		candidate := line[:colon]
		if strings.ContainsAny(candidate, " \t") {
			continue
		}
		flush()
		name = strings.ToLower(candidate)
		value = strings.TrimSpace(line[colon+1:])
	}
	flush()
	return fields
}

func parseAddress(value string) (address, name string) {
	if a, err := mail.ParseAddress(value); err == nil {
		return a.Address, a.Name
	}
	// Tolerate bare or malformed addresses; the raw value is better than
	// nothing for display.
	return strings.TrimSpace(value), ""
}

func parseAddressList(value string) []string {
	if list, err := mail.ParseAddressList(value); err == nil {
		addrs := make([]string, 0, len(list))
		for _, a := range list {
			addrs = append(addrs, a.Address)
		}
		return addrs
	}
	var addrs []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			addrs = append(addrs, part)
		}
	}
	return addrs
}

// fetchUID pulls the UID attribute out of a FETCH block, 0 when absent.
func fetchUID(text string) uint32 {
	return fetchNumber(text, "UID ")
}

// fetchSize pulls RFC822.SIZE out of a FETCH block, 0 when absent.
func fetchSize(text string) uint32 {
	return fetchNumber(text, "RFC822.SIZE ")
}

func fetchNumber(text, attr string) uint32 {
	i := strings.Index(text, attr)
	if i < 0 {
		return 0
	}
	rest := text[i+len(attr):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// fetchFlags pulls the FLAGS set out of a FETCH block.
func fetchFlags(text string) []string {
	i := strings.Index(text, "FLAGS (")
	if i < 0 {
		return nil
	}
	rest := text[i+len("FLAGS ("):]
	j := strings.IndexByte(rest, ')')
	if j < 0 {
		return nil
	}
	return strings.Fields(rest[:j])
}
