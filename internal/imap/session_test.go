package imap

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/mailerr"
)

// step is one request/response exchange of a scripted server.
type step struct {
	expect string
	reply  string
}

// scriptServer answers canned responses over the server half of a pipe.
// Replies substitute {{tag}} with the tag of the received command.
func scriptServer(t *testing.T, conn net.Conn, steps []step) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := bufio.NewReader(conn)
		for _, s := range steps {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if !strings.Contains(line, s.expect) {
				t.Errorf("server expected %q, got %q", s.expect, line)
				return
			}
			tag := strings.SplitN(line, " ", 2)[0]
			reply := strings.ReplaceAll(s.reply, "{{tag}}", tag)
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return done
}

func testSession(t *testing.T, steps []step) (*WireSession, <-chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	done := scriptServer(t, server, steps)
	return newWireSession("imap.example.com", client, bufio.NewReader(client), logrus.New()), done
}

func TestSessionSelect(t *testing.T) {
	session, done := testSession(t, []step{{
		expect: `SELECT "INBOX"`,
		reply: "* 23 EXISTS\r\n" +
			"* OK [UIDVALIDITY 3857529045] UIDs valid\r\n" +
			"{{tag}} OK [READ-WRITE] SELECT completed\r\n",
	}})

	info, err := session.Select(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3857529045), info.UIDValidity)
	assert.Equal(t, uint32(23), info.Exists)
	<-done
}

func TestSessionSelectMissingFolder(t *testing.T) {
	session, done := testSession(t, []step{{
		expect: `SELECT "Nope"`,
		reply:  "{{tag}} NO Mailbox does not exist\r\n",
	}})

	_, err := session.Select(context.Background(), "Nope")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindFolderNotFound))
	assert.Contains(t, err.Error(), "Nope")
	<-done
}

func TestSessionSearchSinceFiltersHighestUID(t *testing.T) {
	session, done := testSession(t, []step{{
		expect: "UID SEARCH UID 101:*",
		reply:  "* SEARCH 100 101 102 103\r\n{{tag}} OK SEARCH completed\r\n",
	}})

	uids, err := session.SearchSince(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []uint32{101, 102, 103}, uids)
	<-done
}

func TestSessionSearchAll(t *testing.T) {
	session, done := testSession(t, []step{{
		expect: "UID SEARCH ALL",
		reply:  "* SEARCH 1 2\r\n{{tag}} OK SEARCH completed\r\n",
	}})

	uids, err := session.SearchSince(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, uids)
	<-done
}

func TestSessionFetchHeadersWithLiteral(t *testing.T) {
	header := "Message-ID: <m1@example.com>\r\nSubject: hi\r\n\r\n"
	session, done := testSession(t, []step{{
		expect: "UID FETCH 7 (UID RFC822.SIZE FLAGS BODY.PEEK[HEADER.FIELDS",
		reply: "* 1 FETCH (UID 7 RFC822.SIZE 812 FLAGS (\\Seen) BODY[HEADER.FIELDS (MESSAGE-ID SUBJECT)] {" +
			itoa(len(header)) + "}\r\n" + header + ")\r\n" +
			"{{tag}} OK FETCH completed\r\n",
	}})

	headers, err := session.FetchHeaders(context.Background(), []uint32{7})
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, uint32(7), headers[0].UID)
	assert.Equal(t, "<m1@example.com>", headers[0].MessageID)
	assert.Equal(t, "hi", headers[0].Subject)
	<-done
}

func TestSessionAppendWaitsForContinuation(t *testing.T) {
	message := []byte("From: a@b\r\n\r\nhello")
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	session := newWireSession("imap.example.com", client, bufio.NewReader(client), logrus.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := bufio.NewReader(server)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Contains(t, line, `APPEND "Sent" (\Seen)`)
		tag := strings.SplitN(line, " ", 2)[0]
		_, _ = server.Write([]byte("+ Ready for literal data\r\n"))
		payload := make([]byte, len(message)+2)
		_, err = readFull(r, payload)
		require.NoError(t, err)
		assert.Equal(t, string(message)+"\r\n", string(payload))
		_, _ = server.Write([]byte(tag + " OK APPEND completed\r\n"))
	}()

	err := session.Append(context.Background(), "Sent", []string{`\Seen`}, message)
	require.NoError(t, err)
	<-done
}

func TestSessionIdleEmitsUpdatesAndStops(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	session := newWireSession("imap.example.com", client, bufio.NewReader(client), logrus.New())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\n')
		tag := strings.SplitN(strings.TrimSpace(line), " ", 2)[0]
		_, _ = server.Write([]byte("+ idling\r\n"))
		_, _ = server.Write([]byte("* 24 EXISTS\r\n"))
		// Wait for DONE, then finish the command.
		_, _ = r.ReadString('\n')
		_, _ = server.Write([]byte(tag + " OK IDLE terminated\r\n"))
	}()

	updates := make(chan struct{}, 4)
	stop := make(chan struct{})
	idleErr := make(chan error, 1)
	go func() {
		idleErr <- session.Idle(context.Background(), stop, func() {
			updates <- struct{}{}
		})
	}()

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
	close(stop)

	select {
	case err := <-idleErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("idle did not stop")
	}
	<-serverDone
	assert.False(t, session.Broken())
}

func TestSessionAuthFailure(t *testing.T) {
	session, done := testSession(t, []step{{
		expect: "AUTHENTICATE PLAIN",
		reply:  "{{tag}} NO [AUTHENTICATIONFAILED] Invalid credentials\r\n",
	}})

	err := session.authenticate(context.Background(), "PLAIN", []byte("\x00u\x00p"), func([]byte) ([]byte, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindAuthFailed))
	<-done
}

func TestTrailingLiteral(t *testing.T) {
	n, ok := trailingLiteral([]byte("* 1 FETCH (BODY[1] {42}\r\n"))
	require.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = trailingLiteral([]byte("* 1 FETCH (UID 7)\r\n"))
	assert.False(t, ok)
}

func TestUIDSetSerialization(t *testing.T) {
	assert.Equal(t, "1:3,7", uidSet([]uint32{1, 2, 3, 7}))
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, `"a\"b\\c"`, quote(`a"b\c`))
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func itoa(n int) string {
	var b []byte
	if n == 0 {
		return "0"
	}
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
