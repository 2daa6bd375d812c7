// Package imap implements the wire session and the per-account connection
// broker. A session owns one authenticated TCP connection; all protocol
// decoding is delegated to the protocol package.
package imap

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	goimap "github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/internal/protocol"
)

// headerFetchFields are the header fields the sync orchestrator needs.
const headerFetchFields = "MESSAGE-ID IN-REPLY-TO REFERENCES FROM TO CC SUBJECT DATE"

// Session is the command surface the broker hands out. Checkout returns a
// Session; every borrower must check it back in on all exit paths.
type Session interface {
	List(ctx context.Context) ([]protocol.ListEntry, error)
	Select(ctx context.Context, path string) (protocol.SelectInfo, error)
	SearchSince(ctx context.Context, sinceUID uint32) ([]uint32, error)
	FetchHeaders(ctx context.Context, uids []uint32) ([]protocol.Header, error)
	FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error)
	FetchStructures(ctx context.Context, uids []uint32) (map[uint32]*protocol.FetchRecord, error)
	FetchSections(ctx context.Context, uids []uint32, partIDs []int) (map[uint32]*protocol.FetchRecord, error)
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
	StoreFlags(ctx context.Context, uid uint32, add bool, flags ...string) error
	Copy(ctx context.Context, uid uint32, destPath string) error
	Expunge(ctx context.Context) error
	Append(ctx context.Context, path string, flags []string, message []byte) error
	Idle(ctx context.Context, stop <-chan struct{}, onUpdate func()) error
	Logout() error
	Broken() bool
}

// WireSession is a Session over a live IMAP connection.
type WireSession struct {
	host   string
	conn   net.Conn
	r      *bufio.Reader
	logger *logrus.Logger

	mu     sync.Mutex
	tagSeq int
	broken bool
}

// newWireSession wraps an established, greeted connection.
func newWireSession(host string, conn net.Conn, r *bufio.Reader, logger *logrus.Logger) *WireSession {
	return &WireSession{host: host, conn: conn, r: r, logger: logger}
}

// Broken reports whether the connection is no longer usable and must be
// discarded instead of returned to the pool.
func (s *WireSession) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *WireSession) markBroken() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *WireSession) nextTag() string {
	s.mu.Lock()
	s.tagSeq++
	tag := fmt.Sprintf("A%03d", s.tagSeq)
	s.mu.Unlock()
	return tag
}

// roundTrip sends one command and reads the full response up to its tagged
// completion. Literal payloads are consumed byte-exactly so message bodies
// can never be mistaken for protocol lines.
func (s *WireSession) roundTrip(ctx context.Context, command string) ([]byte, error) {
	tag := s.nextTag()
	if err := s.writeLine(tag + " " + command); err != nil {
		return nil, err
	}
	return s.readUntilTagged(ctx, tag, command)
}

func (s *WireSession) writeLine(line string) error {
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		s.markBroken()
		return mailerr.Wrap(mailerr.KindConnectFailed, err, "write failed").WithHost(s.host)
	}
	return nil
}

// readUntilTagged collects untagged response data until the line tagged with
// tag arrives. The tagged status decides the error: NO/BAD fail the command.
func (s *WireSession) readUntilTagged(ctx context.Context, tag, command string) ([]byte, error) {
	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			s.markBroken()
			return nil, mailerr.Wrap(mailerr.KindOperationCancelled, err, command).WithHost(s.host)
		}
		line, err := s.readLineWithLiterals()
		if err != nil {
			s.markBroken()
			return nil, mailerr.Wrap(mailerr.KindConnectFailed, err, "read failed").WithHost(s.host)
		}
		if status, ok := cutTag(line, tag); ok {
			if err := statusError(status, command); err != nil {
				return nil, err
			}
			return buf, nil
		}
		buf = append(buf, line...)
	}
}

// readLineWithLiterals reads one logical response line, inlining any literal
// payloads it announces. A literal's bytes are copied verbatim: exactly N,
// never more.
func (s *WireSession) readLineWithLiterals() ([]byte, error) {
	var out []byte
	for {
		line, err := s.r.ReadBytes('\n')
		out = append(out, line...)
		if err != nil {
			return out, err
		}
		n, ok := trailingLiteral(line)
		if !ok {
			return out, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return out, err
		}
		out = append(out, payload...)
		// Loop: the rest of the logical line follows the literal.
	}
}

// trailingLiteral reports the length of a literal announced at the end of a
// line, e.g. `... {342}\r\n`.
func trailingLiteral(line []byte) (int, bool) {
	t := strings.TrimRight(string(line), "\r\n")
	if !strings.HasSuffix(t, "}") {
		return 0, false
	}
	open := strings.LastIndexByte(t, '{')
	if open < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(t[open+1 : len(t)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// cutTag strips the tag prefix from a tagged completion line.
func cutTag(line []byte, tag string) (string, bool) {
	t := strings.TrimRight(string(line), "\r\n")
	rest, ok := strings.CutPrefix(t, tag+" ")
	return rest, ok
}

func statusError(status, command string) error {
	switch {
	case strings.HasPrefix(status, "OK"):
		return nil
	case strings.HasPrefix(status, "NO"):
		return mailerr.New(mailerr.KindCommandFailed, fmt.Sprintf("%s: %s", commandVerb(command), status))
	default:
		return mailerr.New(mailerr.KindInvalidResponse, fmt.Sprintf("%s: %s", commandVerb(command), status))
	}
}

func commandVerb(command string) string {
	if i := strings.IndexByte(command, ' '); i > 0 {
		return command[:i]
	}
	return command
}

// quote renders a mailbox path as an IMAP quoted string.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// uidSet renders a UID set using go-imap's sequence-set serialization.
func uidSet(uids []uint32) string {
	set := new(goimap.SeqSet)
	set.AddNum(uids...)
	return set.String()
}

// List runs LIST "" "*" and decodes every well-formed mailbox line.
func (s *WireSession) List(ctx context.Context) ([]protocol.ListEntry, error) {
	raw, err := s.roundTrip(ctx, `LIST "" "*"`)
	if err != nil {
		return nil, err
	}
	var entries []protocol.ListEntry
	for _, line := range strings.Split(string(raw), "\n") {
		if entry, ok := protocol.ParseListLine(line); ok {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

// Select opens a folder and returns its UIDVALIDITY and message count.
func (s *WireSession) Select(ctx context.Context, path string) (protocol.SelectInfo, error) {
	raw, err := s.roundTrip(ctx, "SELECT "+quote(path))
	if err != nil {
		if mailerr.Is(err, mailerr.KindCommandFailed) {
			return protocol.SelectInfo{}, mailerr.Wrap(mailerr.KindFolderNotFound, err, "select failed").WithHost(s.host).WithFolder(path)
		}
		return protocol.SelectInfo{}, err
	}
	return protocol.ParseSelectResponse(string(raw)), nil
}

// SearchSince returns UIDs newer than sinceUID; sinceUID 0 returns all.
func (s *WireSession) SearchSince(ctx context.Context, sinceUID uint32) ([]uint32, error) {
	command := "UID SEARCH ALL"
	if sinceUID > 0 {
		command = fmt.Sprintf("UID SEARCH UID %d:*", sinceUID+1)
	}
	raw, err := s.roundTrip(ctx, command)
	if err != nil {
		return nil, err
	}
	uids := protocol.ParseSearchResponse(string(raw))
	// Servers answer `UID n:*` with the highest existing UID even when it
	// is not greater than n; filter it out so "no new mail" is empty.
	if sinceUID > 0 {
		filtered := uids[:0]
		for _, uid := range uids {
			if uid > sinceUID {
				filtered = append(filtered, uid)
			}
		}
		uids = filtered
	}
	return uids, nil
}

// FetchHeaders fetches header blocks, flags and sizes for a UID set.
func (s *WireSession) FetchHeaders(ctx context.Context, uids []uint32) ([]protocol.Header, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	command := fmt.Sprintf("UID FETCH %s (UID RFC822.SIZE FLAGS BODY.PEEK[HEADER.FIELDS (%s)])", uidSet(uids), headerFetchFields)
	raw, err := s.roundTrip(ctx, command)
	if err != nil {
		return nil, err
	}
	return protocol.ParseHeaderBlocks(raw), nil
}

// FetchFlags fetches just the flag sets for a UID set.
func (s *WireSession) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]string, error) {
	if len(uids) == 0 {
		return map[uint32][]string{}, nil
	}
	raw, err := s.roundTrip(ctx, fmt.Sprintf("UID FETCH %s (UID FLAGS)", uidSet(uids)))
	if err != nil {
		return nil, err
	}
	return protocol.ParseFlagBlocks(raw), nil
}

// FetchStructures fetches BODYSTRUCTURE for a UID set in one round trip.
func (s *WireSession) FetchStructures(ctx context.Context, uids []uint32) (map[uint32]*protocol.FetchRecord, error) {
	if len(uids) == 0 {
		return map[uint32]*protocol.FetchRecord{}, nil
	}
	raw, err := s.roundTrip(ctx, fmt.Sprintf("UID FETCH %s (UID BODYSTRUCTURE)", uidSet(uids)))
	if err != nil {
		return nil, err
	}
	return protocol.ParseFetchBatch(raw), nil
}

// FetchSections fetches the given body sections for a UID set in one round
// trip, keyed by UID.
func (s *WireSession) FetchSections(ctx context.Context, uids []uint32, partIDs []int) (map[uint32]*protocol.FetchRecord, error) {
	if len(uids) == 0 || len(partIDs) == 0 {
		return map[uint32]*protocol.FetchRecord{}, nil
	}
	items := make([]string, 0, len(partIDs)+1)
	items = append(items, "UID")
	for _, id := range partIDs {
		items = append(items, fmt.Sprintf("BODY.PEEK[%d]", id))
	}
	command := fmt.Sprintf("UID FETCH %s (%s)", uidSet(uids), strings.Join(items, " "))
	raw, err := s.roundTrip(ctx, command)
	if err != nil {
		return nil, err
	}
	return protocol.ParseFetchBatch(raw), nil
}

// FetchRaw fetches the entire RFC822 message for one UID, used as the
// fallback when a message's BODYSTRUCTURE is unusable.
func (s *WireSession) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	raw, err := s.roundTrip(ctx, fmt.Sprintf("UID FETCH %d (UID BODY.PEEK[])", uid))
	if err != nil {
		return nil, err
	}
	records := protocol.ParseFetchBatch(raw)
	rec, ok := records[uid]
	if !ok {
		return nil, mailerr.New(mailerr.KindMessageNotFound, "no fetch data returned").WithHost(s.host).WithUID(uid)
	}
	body, ok := rec.Sections[""]
	if !ok {
		return nil, mailerr.New(mailerr.KindInvalidResponse, "fetch returned no body literal").WithHost(s.host).WithUID(uid)
	}
	return body, nil
}

// StoreFlags adds or removes flags on one message.
func (s *WireSession) StoreFlags(ctx context.Context, uid uint32, add bool, flags ...string) error {
	op := "+FLAGS"
	if !add {
		op = "-FLAGS"
	}
	command := fmt.Sprintf("UID STORE %d %s (%s)", uid, op, strings.Join(flags, " "))
	_, err := s.roundTrip(ctx, command)
	return err
}

// Copy copies one message into another folder.
func (s *WireSession) Copy(ctx context.Context, uid uint32, destPath string) error {
	_, err := s.roundTrip(ctx, fmt.Sprintf("UID COPY %d %s", uid, quote(destPath)))
	return err
}

// Expunge permanently removes \Deleted messages from the selected folder.
func (s *WireSession) Expunge(ctx context.Context) error {
	_, err := s.roundTrip(ctx, "EXPUNGE")
	return err
}

// Append uploads a message to a folder, waiting for the server's literal
// continuation before sending the payload.
func (s *WireSession) Append(ctx context.Context, path string, flags []string, message []byte) error {
	tag := s.nextTag()
	command := fmt.Sprintf("APPEND %s (%s) {%d}", quote(path), strings.Join(flags, " "), len(message))
	if err := s.writeLine(tag + " " + command); err != nil {
		return err
	}
	line, err := s.readLineWithLiterals()
	if err != nil {
		s.markBroken()
		return mailerr.Wrap(mailerr.KindConnectFailed, err, "read failed").WithHost(s.host)
	}
	if !strings.HasPrefix(string(line), "+") {
		if status, ok := cutTag(line, tag); ok {
			return statusError(status, command)
		}
		return mailerr.New(mailerr.KindInvalidResponse, "append: expected continuation").WithHost(s.host).WithFolder(path)
	}
	if _, err := s.conn.Write(append(message, '\r', '\n')); err != nil {
		s.markBroken()
		return mailerr.Wrap(mailerr.KindConnectFailed, err, "append write failed").WithHost(s.host).WithFolder(path)
	}
	_, err = s.readUntilTagged(ctx, tag, command)
	return err
}

// Idle issues IDLE on the selected folder and blocks until stop is closed,
// the context is cancelled, or the connection fails. onUpdate is invoked for
// every EXISTS/RECENT push from the server.
func (s *WireSession) Idle(ctx context.Context, stop <-chan struct{}, onUpdate func()) error {
	tag := s.nextTag()
	if err := s.writeLine(tag + " IDLE"); err != nil {
		return err
	}

	lines := make(chan []byte, 8)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			line, err := s.readLineWithLiterals()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-quit:
				return
			}
			if _, ok := cutTag(line, tag); ok {
				return
			}
		}
	}()

	started := false
	doneSent := false
	sendDone := func() error {
		if doneSent {
			return nil
		}
		doneSent = true
		return s.writeLine("DONE")
	}

	for {
		select {
		case <-ctx.Done():
			_ = sendDone()
			s.markBroken()
			return mailerr.Wrap(mailerr.KindOperationCancelled, ctx.Err(), "idle cancelled").WithHost(s.host)
		case <-stop:
			if err := sendDone(); err != nil {
				return err
			}
			stop = nil
		case err := <-readErr:
			s.markBroken()
			return mailerr.Wrap(mailerr.KindConnectFailed, err, "idle read failed").WithHost(s.host)
		case line := <-lines:
			text := strings.TrimRight(string(line), "\r\n")
			if status, ok := cutTag(line, tag); ok {
				return statusError(status, "IDLE")
			}
			switch {
			case strings.HasPrefix(text, "+"):
				started = true
			case started && isMailboxUpdate(text):
				onUpdate()
			}
		}
	}
}

func isMailboxUpdate(line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "*" {
		return false
	}
	switch strings.ToUpper(fields[2]) {
	case "EXISTS", "RECENT":
		return true
	}
	return false
}

// Logout sends LOGOUT and closes the connection.
func (s *WireSession) Logout() error {
	_ = s.writeLine(s.nextTag() + " LOGOUT")
	s.markBroken()
	return s.conn.Close()
}

// authenticate runs the SASL exchange for the session's credential. The
// initial response rides on the AUTHENTICATE line (SASL-IR).
func (s *WireSession) authenticate(ctx context.Context, mech string, initial []byte, next func([]byte) ([]byte, error)) error {
	tag := s.nextTag()
	command := "AUTHENTICATE " + mech
	if len(initial) > 0 {
		command += " " + base64.StdEncoding.EncodeToString(initial)
	}
	if err := s.writeLine(tag + " " + command); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			s.markBroken()
			return mailerr.Wrap(mailerr.KindOperationCancelled, err, "authenticate").WithHost(s.host)
		}
		line, err := s.readLineWithLiterals()
		if err != nil {
			s.markBroken()
			return mailerr.Wrap(mailerr.KindConnectFailed, err, "read failed").WithHost(s.host)
		}
		text := strings.TrimRight(string(line), "\r\n")
		if status, ok := cutTag(line, tag); ok {
			if !strings.HasPrefix(status, "OK") {
				return mailerr.New(mailerr.KindAuthFailed, status).WithHost(s.host)
			}
			return nil
		}
		if strings.HasPrefix(text, "+") {
			challenge, _ := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(text, "+")))
			reply, err := next(challenge)
			if err != nil {
				return mailerr.Wrap(mailerr.KindAuthFailed, err, "sasl exchange failed").WithHost(s.host)
			}
			if err := s.writeLine(base64.StdEncoding.EncodeToString(reply)); err != nil {
				return err
			}
		}
	}
}

// capabilities probes the server's capability set.
func (s *WireSession) capabilities(ctx context.Context) (map[string]bool, error) {
	raw, err := s.roundTrip(ctx, "CAPABILITY")
	if err != nil {
		return nil, err
	}
	caps := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, "* CAPABILITY ")
		if !ok {
			continue
		}
		for _, c := range strings.Fields(rest) {
			caps[strings.ToUpper(c)] = true
		}
	}
	return caps, nil
}
