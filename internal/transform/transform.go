// Package transform turns raw message bytes into displayable body text.
// Fetched body sections are decoded per their transfer encoding; whole
// messages fetched raw go through a full MIME parse instead.
package transform

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strconv"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/mailsync/internal/protocol"
)

// DecodePart reverses a body section's content transfer encoding. Unknown
// or identity encodings pass the bytes through unchanged; a decode error
// also falls back to the raw bytes rather than losing the part.
func DecodePart(content []byte, encoding string) []byte {
	switch strings.ToUpper(encoding) {
	case "BASE64":
		cleaned := removeWhitespace(content)
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(decoded, cleaned)
		if err != nil {
			return content
		}
		return decoded[:n]
	case "QUOTED-PRINTABLE":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content)))
		if err != nil {
			return content
		}
		return decoded
	default:
		return content
	}
}

func removeWhitespace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case '\r', '\n', ' ', '\t':
		default:
			out = append(out, c)
		}
	}
	return out
}

// Body is the displayable content extracted from a message.
type Body struct {
	Text string
	HTML string
}

// FromSections assembles a body from fetched sections, decoding each per
// its structure entry. The first text/plain part wins the Text slot and the
// first text/html part the HTML slot; other parts are attachments and are
// not fetched here.
func FromSections(parts []protocol.BodyPart, sections map[string][]byte) Body {
	var body Body
	for _, part := range parts {
		content, ok := sections[strconv.Itoa(part.PartID)]
		if !ok {
			continue
		}
		decoded := string(DecodePart(content, part.Encoding))
		switch part.MIMEType {
		case "text/plain":
			if body.Text == "" {
				body.Text = decoded
			}
		case "text/html":
			if body.HTML == "" {
				body.HTML = decoded
			}
		}
	}
	if body.Text == "" && body.HTML != "" {
		body.Text = HTMLToText(body.HTML)
	}
	return body
}

// FromRawMessage parses a complete RFC 5322 message, the fallback path when
// a server's BODYSTRUCTURE could not be decoded.
func FromRawMessage(raw []byte) (Body, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Body{}, err
	}
	body := Body{Text: env.Text, HTML: env.HTML}
	if body.Text == "" && body.HTML != "" {
		body.Text = HTMLToText(body.HTML)
	}
	return body, nil
}

// HTMLToText renders an HTML body as plain text. On conversion failure the
// raw markup is returned; a degraded preview beats an empty one.
func HTMLToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{TextOnly: true})
	if err != nil {
		return html
	}
	return text
}
