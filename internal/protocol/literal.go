package protocol

import (
	"strconv"
)

// Literal framing is the one place where message content and protocol
// control data share a byte stream. A `{N}` marker is followed by a line
// break and then exactly N raw bytes; those bytes may themselves contain
// anything, including text that looks like more protocol. Every scanner in
// this file therefore skips literal bodies byte-exactly and never
// re-interprets their content.

// literalAt checks whether a `{N}` marker ends at position i (i pointing at
// '{'). It returns the literal length and the index of the first content
// byte, which is just past the closing brace and one line break.
func literalAt(data []byte, i int) (length int, contentStart int, ok bool) {
	if i >= len(data) || data[i] != '{' {
		return 0, 0, false
	}
	j := i + 1
	start := j
	for j < len(data) && data[j] >= '0' && data[j] <= '9' {
		j++
	}
	if j == start || j >= len(data) || data[j] != '}' {
		return 0, 0, false
	}
	n, err := strconv.Atoi(string(data[start:j]))
	if err != nil {
		return 0, 0, false
	}
	j++
	// The marker is terminated by CRLF on the wire; tolerate bare LF.
	if j < len(data) && data[j] == '\r' {
		j++
	}
	if j < len(data) && data[j] == '\n' {
		j++
	}
	return n, j, true
}

// splitFetchBlocks splits a multi-message FETCH reply into per-message
// blocks at `* <num> FETCH` line starts, skipping literal contents so a
// message body can never open a phantom block.
func splitFetchBlocks(data []byte) [][]byte {
	var blocks [][]byte
	blockStart := -1
	atLineStart := true
	for i := 0; i < len(data); {
		if data[i] == '{' {
			if n, content, ok := literalAt(data, i); ok {
				end := content + n
				if end > len(data) {
					end = len(data)
				}
				i = end
				atLineStart = false
				continue
			}
		}
		if atLineStart && isFetchLineStart(data[i:]) {
			if blockStart >= 0 {
				blocks = append(blocks, data[blockStart:i])
			}
			blockStart = i
		}
		atLineStart = data[i] == '\n'
		i++
	}
	if blockStart >= 0 {
		blocks = append(blocks, data[blockStart:])
	}
	return blocks
}

func isFetchLineStart(data []byte) bool {
	if len(data) < 2 || data[0] != '*' || data[1] != ' ' {
		return false
	}
	i := 2
	digits := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
		digits++
	}
	if digits == 0 {
		return false
	}
	const marker = " FETCH"
	if len(data[i:]) < len(marker) {
		return false
	}
	return string(data[i:i+len(marker)]) == marker
}

// ReadBodySections extracts literal-framed `BODY[section] {N}` payloads
// from one FETCH block. Exactly N bytes are consumed per section: a body is
// never allowed to run into a subsequent `BODY[m]` marker on the same
// response line. Sections are keyed by the text inside the brackets
// ("1", "2", "HEADER", ...).
func ReadBodySections(data []byte) map[string][]byte {
	sections := make(map[string][]byte)
	for i := 0; i < len(data); {
		if data[i] == '{' {
			// A literal that is not a BODY[...] payload (for
			// example a literal folder name) still has to be
			// skipped byte-exactly.
			if n, content, ok := literalAt(data, i); ok {
				end := content + n
				if end > len(data) {
					end = len(data)
				}
				i = end
				continue
			}
		}
		key, after, ok := bodySectionAt(data, i)
		if !ok {
			i++
			continue
		}
		n, content, ok := literalAt(data, after)
		if !ok {
			i = after
			continue
		}
		end := content + n
		if end > len(data) {
			end = len(data)
		}
		sections[key] = data[content:end]
		i = end
	}
	return sections
}

// bodySectionAt matches `BODY[key] ` at position i and returns the section
// key and the index of the literal marker that follows.
func bodySectionAt(data []byte, i int) (key string, after int, ok bool) {
	const prefix = "BODY["
	if len(data[i:]) < len(prefix) || string(data[i:i+len(prefix)]) != prefix {
		return "", 0, false
	}
	j := i + len(prefix)
	start := j
	for j < len(data) && data[j] != ']' {
		j++
	}
	if j >= len(data) {
		return "", 0, false
	}
	key = string(data[start:j])
	j++
	if j < len(data) && data[j] == ' ' {
		j++
	}
	if j >= len(data) || data[j] != '{' {
		return "", 0, false
	}
	return key, j, true
}

// FetchRecord is the per-message result of a batch FETCH decode.
type FetchRecord struct {
	UID      uint32
	Parts    []BodyPart
	Sections map[string][]byte
}

// ParseFetchBatch decodes a multi-message FETCH reply into records keyed by
// UID, so one round trip can carry BODYSTRUCTURE and body sections for a
// whole batch. Messages without a usable UID are dropped.
func ParseFetchBatch(raw []byte) map[uint32]*FetchRecord {
	records := make(map[uint32]*FetchRecord)
	for _, block := range splitFetchBlocks(raw) {
		uid := fetchUID(string(stripLiterals(block)))
		if uid == 0 {
			continue
		}
		rec := &FetchRecord{
			UID:      uid,
			Sections: ReadBodySections(block),
		}
		if parts, ok := ParseBodyStructure(string(stripLiterals(block))); ok {
			rec.Parts = parts
		}
		records[uid] = rec
	}
	return records
}

// stripLiterals replaces literal payloads with nothing so attribute-level
// scans (UID, BODYSTRUCTURE) cannot match text inside a message body.
func stripLiterals(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] == '{' {
			if n, content, ok := literalAt(data, i); ok {
				out = append(out, data[i:content]...)
				end := content + n
				if end > len(data) {
					end = len(data)
				}
				i = end
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
