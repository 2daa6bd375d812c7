// Package outbound composes and delivers queued mail. The send lifecycle is
// a small state machine on the email row: queued, sending, then sent,
// requeued for a retry, or failed for good.
package outbound

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/brandon/mailsync/pkg/types"
)

// Draft is an outgoing message as the caller hands it in.
type Draft struct {
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	BodyText  string
	BodyHTML  string
	InReplyTo string
	// References is the space-separated reference chain, used when the
	// draft replies into an existing thread.
	References string
}

// NewMessageID generates a globally unique Message-ID under the sender's
// domain, angle brackets included.
func NewMessageID(fromAddress string) string {
	domain := "localhost"
	if at := strings.LastIndexByte(fromAddress, '@'); at >= 0 {
		domain = fromAddress[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// Compose renders a stored outgoing email as RFC 5322 bytes. Text and HTML
// bodies become a multipart/alternative pair; a lone text body stays a
// single part.
func Compose(account *types.Account, email *types.Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: account.DisplayName, Address: account.Email}})
	if err := setAddressHeader(&h, "To", email.ToAddresses); err != nil {
		return nil, err
	}
	if err := setAddressHeader(&h, "Cc", email.CcAddresses); err != nil {
		return nil, err
	}
	h.SetSubject(email.Subject)
	h.SetMsgIDList("Message-Id", []string{strings.Trim(email.MessageID, "<>")})
	if email.InReplyTo != "" {
		h.Set("In-Reply-To", email.InReplyTo)
	}
	if email.References != "" {
		h.Set("References", email.References)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline writer: %w", err)
	}
	if err := writeInlinePart(iw, "text/plain", email.BodyText); err != nil {
		return nil, err
	}
	if email.BodyHTML != "" {
		if err := writeInlinePart(iw, "text/html", email.BodyHTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func setAddressHeader(h *mail.Header, key, joined string) error {
	addrs := SplitAddresses(joined)
	if len(addrs) == 0 {
		return nil
	}
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := netmail.ParseAddress(a)
		if err != nil {
			return fmt.Errorf("invalid %s address %q: %w", key, a, err)
		}
		list = append(list, &mail.Address{Name: parsed.Name, Address: parsed.Address})
	}
	h.SetAddressList(key, list)
	return nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType+"; charset=utf-8")
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

// SplitAddresses splits a stored comma-joined address list.
func SplitAddresses(joined string) []string {
	var out []string
	for _, a := range strings.Split(joined, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
