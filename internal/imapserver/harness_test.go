package imapserver

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/melvynkim/wildduck/internal/auth"
	"github.com/melvynkim/wildduck/internal/indexer"
	"github.com/melvynkim/wildduck/internal/message"
	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/notifier"
	"github.com/melvynkim/wildduck/internal/storage/storagetest"
)

// bcryptHashOfPassword is a well-known bcrypt hash of the plaintext
// "password", used so tests can exercise the real Authenticator without
// hashing at test time.
const bcryptHashOfPassword = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type testRig struct {
	gw     *storagetest.Gateway
	srv    *Server
	client *bufio.Reader
	conn   net.Conn
}

// newTestRig wires a Server with an in-memory Gateway and dials one session
// over net.Pipe, draining the greeting line before returning.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	gw := storagetest.New()
	n := notifier.New(gw)
	idx := indexer.New()
	h := message.New(gw, n, idx)
	authn := auth.New(gw)

	srv := NewServer(Options{MaxMessage: 10 << 20, ID: ListenerID{Name: "testd"}}, gw, h, n, authn, nil, idx)

	clientConn, serverConn := net.Pipe()
	go srv.handleConnection(serverConn)

	r := &testRig{gw: gw, srv: srv, client: bufio.NewReader(clientConn), conn: clientConn}
	t.Cleanup(func() { clientConn.Close() })

	r.readLine(t) // greeting
	return r
}

func (r *testRig) send(t *testing.T, line string) {
	t.Helper()
	if err := r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (r *testRig) readLine(t *testing.T) string {
	t.Helper()
	if err := r.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	line, err := r.client.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readUntilTagged reads lines until one starting with tag+" " is seen,
// returning every line read (including the tagged one).
func (r *testRig) readUntilTagged(t *testing.T, tag string) []string {
	t.Helper()
	var lines []string
	for {
		line := r.readLine(t)
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			return lines
		}
	}
}

func (r *testRig) loginAs(t *testing.T, username string) {
	t.Helper()
	r.send(t, `a0 LOGIN "`+username+`" "password"`)
	lines := r.readUntilTagged(t, "a0")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "OK") {
		t.Fatalf("login failed: %v", lines)
	}
}

// appendMessage sends APPEND as two separate writes (command line, then raw
// literal bytes) so the server's literal reader — which bypasses the line
// scanner — sees the bytes on its own Read call rather than trapped inside
// the scanner's internal buffer alongside the command line.
func (r *testRig) appendMessage(t *testing.T, tag, mailbox, flags, raw string) []string {
	t.Helper()
	flagPart := ""
	if flags != "" {
		flagPart = "(" + flags + ") "
	}
	cmd := tag + " APPEND " + mailbox + " " + flagPart + "{" + strconv.Itoa(len(raw)) + "+}"
	r.send(t, cmd)
	if err := r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.conn.Write([]byte(raw + "\r\n")); err != nil {
		t.Fatalf("write literal: %v", err)
	}
	return r.readUntilTagged(t, tag)
}

func seedUser(t *testing.T, gw *storagetest.Gateway, username string) model.User {
	t.Helper()
	u := model.User{Username: username, PasswordHash: bcryptHashOfPassword}
	id := gw.PutUser(&u)
	u.ID = id
	return u
}
