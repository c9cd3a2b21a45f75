package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// capabilities advertised in CAPABILITY and the greeting. STARTTLS is
// appended conditionally by capabilityList below.
var baseCapabilities = []string{
	"IMAP4rev1",
	"LITERAL+",
	"ID",
	"NAMESPACE",
	"UIDPLUS",
	"CONDSTORE",
	"MOVE",
	"QUOTA",
	"LIST-SPECIAL-USE",
	"LIST-EXTENDED",
	"LIST-STATUS",
	"ESEARCH",
	"CHILDREN",
	"UNSELECT",
}

func (s *Server) capabilityList() []string {
	caps := append([]string(nil), baseCapabilities...)
	if !s.opts.IgnoreSTARTTLS && s.opts.TLSConfig != nil && !s.opts.Secure {
		caps = append(caps, "STARTTLS")
	}
	return caps
}

// Start listens on opts.Host:opts.Port (or wraps the listener in TLS when
// Secure is set) and accepts connections until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	var err error
	if s.opts.Secure && s.opts.TLSConfig != nil {
		s.listener, err = tls.Listen("tcp", addr, s.opts.TLSConfig)
	} else {
		s.listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("imapserver: listen on %s: %w", addr, err)
	}

	if s.opts.Logger != nil {
		s.opts.Logger.Info("imap server listening on %s", addr)
	}

	for {
		select {
		case <-s.quit:
			close(s.done)
			return nil
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				close(s.done)
				return nil
			default:
				if s.opts.Logger != nil {
					s.opts.Logger.Error("accept: %v", err)
				}
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// Shutdown closes the listener and every live session, then waits for the
// accept loop to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.RUnlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	sess := &Session{
		ID:           id,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		server:       s,
		state:        StateNotAuthenticated,
		capabilities: s.capabilityList(),
		tls:          s.opts.Secure,
	}
	sess.scanner = bufio.NewScanner(sess.reader)
	sess.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	defer func() {
		sess.unselect()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	if s.opts.Logger != nil {
		s.opts.Logger.Info("[%s] connection from %s", id, conn.RemoteAddr())
	}

	_ = sess.writeUntagged(fmt.Sprintf("OK [CAPABILITY %s] IMAP4rev1 Server Ready", strings.Join(sess.capabilities, " ")))

	for sess.scanner.Scan() {
		line := strings.TrimRight(sess.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if s.opts.Logger != nil {
			s.opts.Logger.Debug("[%s] C: %s", id, line)
		}

		if err := sess.processCommand(line); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.Error("[%s] processCommand: %v", id, err)
			}
			_ = sess.writeResponse("*", "BAD", "internal server error")
			break
		}

		sess.mu.Lock()
		loggedOut := sess.state == StateLogout
		sess.mu.Unlock()
		if loggedOut {
			break
		}
	}

	if s.opts.Logger != nil {
		s.opts.Logger.Info("[%s] connection closed", id)
	}
}

// processCommand tokenizes one client line into tag/command/args and
// dispatches it, with a UID sub-dispatch table for the UID-prefixed
// commands.
func (s *Session) processCommand(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return s.writeResponse(tagOrStar(parts), "BAD", "invalid command format")
	}
	tag := parts[0]
	command := strings.ToUpper(parts[1])
	var args string
	if len(parts) > 2 {
		args = parts[2]
	}

	switch command {
	case "CAPABILITY":
		return s.handleCapability(tag)
	case "NOOP":
		return s.handleNoop(tag)
	case "LOGOUT":
		return s.handleLogout(tag)
	case "STARTTLS":
		return s.handleStartTLS(tag)
	case "ID":
		return s.handleID(tag, args)
	case "LOGIN":
		return s.handleLogin(tag, args)
	case "AUTHENTICATE":
		return s.handleAuthenticate(tag, args)
	case "NAMESPACE":
		return s.handleNamespace(tag)
	case "LIST":
		return s.handleList(tag, args)
	case "LSUB":
		return s.handleLsub(tag, args)
	case "SELECT":
		return s.handleSelect(tag, args, false)
	case "EXAMINE":
		return s.handleSelect(tag, args, true)
	case "CREATE":
		return s.handleCreate(tag, args)
	case "DELETE":
		return s.handleDelete(tag, args)
	case "RENAME":
		return s.handleRename(tag, args)
	case "SUBSCRIBE":
		return s.handleSubscribe(tag, args, true)
	case "UNSUBSCRIBE":
		return s.handleSubscribe(tag, args, false)
	case "STATUS":
		return s.handleStatus(tag, args)
	case "APPEND":
		return s.handleAppend(tag, args)
	case "FETCH":
		return s.handleFetch(tag, args, false)
	case "STORE":
		return s.handleStore(tag, args, false)
	case "COPY":
		return s.handleCopy(tag, args, false)
	case "MOVE":
		return s.handleMove(tag, args, false)
	case "SEARCH":
		return s.handleSearch(tag, args, false)
	case "EXPUNGE":
		return s.handleExpunge(tag)
	case "CLOSE":
		return s.handleClose(tag)
	case "UNSELECT":
		return s.handleUnselect(tag)
	case "GETQUOTA":
		return s.handleGetQuota(tag, args)
	case "GETQUOTAROOT":
		return s.handleGetQuotaRoot(tag, args)
	case "UID":
		return s.dispatchUID(tag, args)
	default:
		return s.writeResponse(tag, "BAD", fmt.Sprintf("unknown command %s", command))
	}
}

func (s *Session) dispatchUID(tag, args string) error {
	if args == "" {
		return s.writeResponse(tag, "BAD", "UID requires a subcommand")
	}
	parts := strings.SplitN(args, " ", 2)
	sub := strings.ToUpper(parts[0])
	var rest string
	if len(parts) > 1 {
		rest = parts[1]
	}
	switch sub {
	case "FETCH":
		return s.handleFetch(tag, rest, true)
	case "STORE":
		return s.handleStore(tag, rest, true)
	case "COPY":
		return s.handleCopy(tag, rest, true)
	case "MOVE":
		return s.handleMove(tag, rest, true)
	case "SEARCH":
		return s.handleSearch(tag, rest, true)
	default:
		return s.writeResponse(tag, "BAD", "unknown UID subcommand")
	}
}

func tagOrStar(parts []string) string {
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "*"
}

func (s *Session) close() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// writeResponse writes the tagged completion line for the current command.
// Every handler's final response flows through here, so this is also where
// pending cross-session updates are flushed: one EXISTS/FETCH(FLAGS)/EXPUNGE
// burst, landing between the command's own untagged output and its tag,
// never mid-stream (e.g. never mid-FETCH).
func (s *Session) writeResponse(tag, status, text string) error {
	if err := s.flushPendingUpdates(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(s.writer, "%s %s %s\r\n", tag, status, text)
	if err != nil {
		return err
	}
	return s.writer.Flush()
}

// flushPendingUpdates checks this session's wake channel and, if another
// session has published mailbox changes since HighestModseqSeen, pulls them
// from the journal, enqueues them into the view and drains EXISTS, then
// FETCH (FLAGS), then EXPUNGE in that order.
func (s *Session) flushPendingUpdates() error {
	s.mu.Lock()
	view := s.view
	wake := s.wake
	mailbox := s.mailbox
	s.mu.Unlock()
	if view == nil || mailbox == nil || wake == nil {
		return nil
	}

	select {
	case <-wake:
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entries, err := s.server.Gateway.JournalSince(ctx, mailbox.ID, view.HighestModseqSeen)
	if err != nil {
		return nil
	}
	view.Enqueue(entries...)
	exists, fetch, expunge := view.Drain(s.ID)

	// The view already has this burst's expunged UIDs removed, but the
	// client applies the EXPUNGE lines only after EXISTS and FETCH, so
	// those two are numbered as if the expunged UIDs were still present.
	if len(exists) > 0 {
		if err := s.writeUntagged(fmt.Sprintf("%d EXISTS", len(view.UIDs)+len(expunge))); err != nil {
			return err
		}
	}
	for _, e := range fetch {
		if msn, ok := view.MSN(e.UID); ok {
			for _, n := range expunge {
				if n.Entry.UID < e.UID {
					msn++
				}
			}
			if err := s.writeUntagged(fmt.Sprintf("%d FETCH (FLAGS (%s))", msn, strings.Join(e.Flags, " "))); err != nil {
				return err
			}
		}
	}
	for _, n := range expunge {
		if err := s.writeUntagged(fmt.Sprintf("%d EXPUNGE", n.MSN)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeUntagged(text string) error {
	_, err := fmt.Fprintf(s.writer, "* %s\r\n", text)
	if err != nil {
		return err
	}
	return s.writer.Flush()
}

// writeProtocolErr renders a *ProtocolError as "NO [<Code>] <Text>"; any
// other error is reported as a plain NO with its message.
func (s *Session) writeProtocolErr(tag string, err error) error {
	if pe, ok := err.(*ProtocolError); ok {
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] %s", pe.Code, pe.Text))
	}
	return s.writeResponse(tag, "NO", err.Error())
}

// readLiteral reads an IMAP literal's announced byte count off of args
// (the "{N}" or "{N+}" suffix per RFC 3501 §4.3) and returns exactly that
// many bytes read directly off the connection, bypassing the line scanner.
// Non-synchronizing literals ("{N+}") skip the "+ Ready for literal data"
// continuation prompt;
// synchronizing ones emit it first, per LITERAL+ (advertised in
// capabilityList).
func (s *Session) readLiteral(spec string) ([]byte, error) {
	spec = strings.TrimSuffix(spec, "}")
	nonSync := strings.HasSuffix(spec, "+")
	spec = strings.TrimSuffix(spec, "+")
	n, err := strconv.ParseInt(spec, 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("imapserver: invalid literal size %q", spec)
	}
	if s.server.opts.MaxMessage > 0 && n > s.server.opts.MaxMessage {
		return nil, protoErr(CodeOverQuota, "literal too large")
	}

	if !nonSync {
		if _, err := fmt.Fprintf(s.writer, "+ Ready for literal data\r\n"); err != nil {
			return nil, err
		}
		if err := s.writer.Flush(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, n)
	if n > 0 {
		if _, err := readFull(s.reader, buf); err != nil {
			return nil, err
		}
	}
	// Consume the CRLF (or bare LF) that follows the literal's raw bytes,
	// then resync the line scanner to start fresh on the next command.
	if _, err := s.reader.ReadString('\n'); err != nil {
		return nil, err
	}
	s.scanner = bufio.NewScanner(s.reader)
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return buf, nil
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
