package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/protocol"
)

func TestDecodePartBase64(t *testing.T) {
	// "Hello, world" split across lines the way servers wrap base64.
	content := []byte("SGVsbG8s\r\nIHdvcmxk\r\n")
	assert.Equal(t, []byte("Hello, world"), DecodePart(content, "BASE64"))
}

func TestDecodePartQuotedPrintable(t *testing.T) {
	content := []byte("Caf=C3=A9 time=\r\n today")
	assert.Equal(t, []byte("Café time today"), DecodePart(content, "QUOTED-PRINTABLE"))
}

func TestDecodePartIdentity(t *testing.T) {
	content := []byte("as-is bytes")
	assert.Equal(t, content, DecodePart(content, "7BIT"))
	assert.Equal(t, content, DecodePart(content, ""))
}

func TestDecodePartInvalidBase64FallsThrough(t *testing.T) {
	content := []byte("!!! not base64 !!!")
	assert.Equal(t, content, DecodePart(content, "BASE64"))
}

func TestFromSectionsPicksFirstOfEachType(t *testing.T) {
	parts := []protocol.BodyPart{
		{PartID: 1, MIMEType: "text/plain", Encoding: "7BIT"},
		{PartID: 2, MIMEType: "text/html", Encoding: "QUOTED-PRINTABLE"},
		{PartID: 3, MIMEType: "text/plain", Encoding: "7BIT"},
	}
	sections := map[string][]byte{
		"1": []byte("plain body"),
		"2": []byte("<p>html=20body</p>"),
		"3": []byte("ignored duplicate"),
	}

	body := FromSections(parts, sections)
	assert.Equal(t, "plain body", body.Text)
	assert.Equal(t, "<p>html body</p>", body.HTML)
}

func TestFromSectionsDerivesTextFromHTML(t *testing.T) {
	parts := []protocol.BodyPart{{PartID: 1, MIMEType: "text/html", Encoding: "7BIT"}}
	sections := map[string][]byte{"1": []byte("<html><body><p>Only markup here</p></body></html>")}

	body := FromSections(parts, sections)
	assert.Contains(t, body.Text, "Only markup here")
}

func TestFromRawMessage(t *testing.T) {
	raw := []byte("From: ann@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: greetings\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello from the raw path.\r\n")

	body, err := FromRawMessage(raw)
	require.NoError(t, err)
	assert.Contains(t, body.Text, "Hello from the raw path.")
}

func TestFromRawMessageMultipart(t *testing.T) {
	raw := []byte("From: ann@example.com\r\n" +
		"Subject: mixed\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain alternative\r\n" +
		"--b1\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html alternative</p>\r\n" +
		"--b1--\r\n")

	body, err := FromRawMessage(raw)
	require.NoError(t, err)
	assert.Contains(t, body.Text, "plain alternative")
	assert.Contains(t, body.HTML, "html alternative")
}
