package protocol

import (
	"strconv"
	"strings"
)

// BodyPart is one MIME part of a message, flattened out of the
// BODYSTRUCTURE tree. PartID is the 1-based IMAP section number assigned in
// document order, usable directly in a `BODY[n]` fetch.
type BodyPart struct {
	PartID   int
	MIMEType string
	Encoding string
	Size     int
}

// ParseBodyStructure decodes the BODYSTRUCTURE attribute of a FETCH block
// into a flat part list. Single-part messages yield one part with id 1;
// multipart messages yield one part per child in document order. Blocks
// without a parsable BODYSTRUCTURE yield (nil, false).
func ParseBodyStructure(text string) ([]BodyPart, bool) {
	i := strings.Index(text, "BODYSTRUCTURE ")
	if i < 0 {
		return nil, false
	}
	rest := text[i+len("BODYSTRUCTURE "):]
	node, _, ok := parseSexp(rest)
	if !ok {
		return nil, false
	}
	list, ok := node.(sexpList)
	if !ok {
		return nil, false
	}
	parts := flattenStructure(list)
	if len(parts) == 0 {
		return nil, false
	}
	return parts, true
}

// sexp values: string for atoms/quoted strings, sexpList for parenthesized
// groups.
type sexpList []interface{}

func parseSexp(s string) (interface{}, string, bool) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return nil, "", false
	}
	switch s[0] {
	case '(':
		var list sexpList
		s = s[1:]
		for {
			s = strings.TrimLeft(s, " ")
			if s == "" {
				return nil, "", false
			}
			if s[0] == ')' {
				return list, s[1:], true
			}
			item, rest, ok := parseSexp(s)
			if !ok {
				return nil, "", false
			}
			list = append(list, item)
			s = rest
		}
	case '"':
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
		return nil, "", false
	default:
		i := 0
		for i < len(s) && s[i] != ' ' && s[i] != '(' && s[i] != ')' {
			i++
		}
		return s[:i], s[i:], true
	}
}

// flattenStructure walks a BODYSTRUCTURE list. A multipart structure is a
// sequence of child lists followed by the subtype string; a single-part
// structure starts with the type string.
func flattenStructure(list sexpList) []BodyPart {
	if len(list) == 0 {
		return nil
	}
	if _, multipart := list[0].(sexpList); multipart {
		var parts []BodyPart
		id := 1
		for _, item := range list {
			child, ok := item.(sexpList)
			if !ok {
				// Children end at the multipart subtype.
				break
			}
			if p, ok := singlePart(child, id); ok {
				parts = append(parts, p)
				id++
			}
		}
		return parts
	}
	if p, ok := singlePart(list, 1); ok {
		return []BodyPart{p}
	}
	return nil
}

// singlePart decodes ("type" "subtype" (params) id description encoding size ...).
func singlePart(list sexpList, id int) (BodyPart, bool) {
	if len(list) < 7 {
		return BodyPart{}, false
	}
	typ, ok1 := list[0].(string)
	sub, ok2 := list[1].(string)
	if !ok1 || !ok2 {
		return BodyPart{}, false
	}
	part := BodyPart{
		PartID:   id,
		MIMEType: strings.ToLower(typ) + "/" + strings.ToLower(sub),
	}
	if enc, ok := list[5].(string); ok && !strings.EqualFold(enc, "NIL") {
		part.Encoding = strings.ToUpper(enc)
	}
	if sz, ok := list[6].(string); ok {
		if v, err := strconv.Atoi(sz); err == nil {
			part.Size = v
		}
	}
	return part, true
}
