package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/melvynkim/wildduck/internal/auth"
)

// handleCapability answers CAPABILITY.
func (s *Session) handleCapability(tag string) error {
	if err := s.writeUntagged("CAPABILITY " + strings.Join(s.capabilities, " ")); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "CAPABILITY completed")
}

// handleNoop does no work of its own; its entire purpose is to give the
// client a no-op round trip to pick up pending EXISTS/FETCH/EXPUNGE
// notifications, which writeResponse flushes before the tagged line.
func (s *Session) handleNoop(tag string) error {
	return s.writeResponse(tag, "OK", "NOOP completed")
}

func (s *Session) handleLogout(tag string) error {
	if err := s.writeUntagged("BYE IMAP4rev1 Server logging out"); err != nil {
		return err
	}
	s.unselect()
	s.mu.Lock()
	s.state = StateLogout
	s.mu.Unlock()
	return s.writeResponse(tag, "OK", "LOGOUT completed")
}

func (s *Session) handleStartTLS(tag string) error {
	if s.server.opts.IgnoreSTARTTLS || s.server.opts.TLSConfig == nil {
		return s.writeResponse(tag, "BAD", "STARTTLS not available")
	}
	if s.tls {
		return s.writeResponse(tag, "BAD", "already using TLS")
	}
	if err := s.writeResponse(tag, "OK", "begin TLS negotiation now"); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.server.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("imapserver: TLS handshake: %w", err)
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.scanner = bufio.NewScanner(s.reader)
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	s.tls = true
	s.capabilities = s.server.capabilityList()
	return nil
}

// handleID implements the ID extension (RFC 2971), answering with the
// server's own identification regardless of what the client sent.
func (s *Session) handleID(tag, args string) error {
	_ = args // client identification is accepted but not persisted anywhere
	id := s.server.opts.ID
	resp := fmt.Sprintf(`ID ("name" %q "version" %q "vendor" %q)`, orDefault(id.Name, "wildduck-core"), orDefault(id.Version, "0"), orDefault(id.Vendor, ""))
	if err := s.writeUntagged(resp); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "ID completed")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// handleLogin authenticates username/password via the Authenticator,
// consulting the RateLimiter first when one is configured. Grounded on the
// teacher's handleLogin (imap_core/commands.go), which hit
// s.server.options.Database directly; this delegates to auth.Authenticator
// instead.
func (s *Session) handleLogin(tag, args string) error {
	s.mu.Lock()
	already := s.authenticated
	s.mu.Unlock()
	if already {
		return s.writeResponse(tag, "BAD", "already authenticated")
	}

	parts := parseQuotedArguments(args)
	if len(parts) != 2 {
		return s.writeResponse(tag, "BAD", "LOGIN expects username and password")
	}
	username, password := parts[0], parts[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server.Limiter != nil {
		remoteAddr := ""
		if s.conn != nil && s.conn.RemoteAddr() != nil {
			remoteAddr = s.conn.RemoteAddr().String()
		}
		if err := s.server.Limiter.CheckAndAllow(ctx, username, remoteAddr); err != nil {
			if errors.Is(err, auth.ErrRateLimited) {
				return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] too many attempts, try again later", CodeAuthenticationFailed))
			}
			return s.writeResponse(tag, "NO", "temporary authentication failure")
		}
	}

	user, err := s.server.Auth.Authenticate(ctx, username, password)
	if err != nil {
		if s.server.opts.Logger != nil {
			s.server.opts.Logger.Debug("[%s] authentication failed for %s", s.ID, username)
		}
		return s.writeResponse(tag, "NO", fmt.Sprintf("[%s] authentication failed", CodeAuthenticationFailed))
	}

	s.mu.Lock()
	s.authenticated = true
	s.user = user
	s.state = StateAuthenticated
	s.mu.Unlock()

	if s.server.opts.Logger != nil {
		s.server.opts.Logger.Info("[%s] authenticated as %s", s.ID, username)
	}
	return s.writeResponse(tag, "OK", "LOGIN completed")
}

// handleAuthenticate accepts only PLAIN in its initial-response form
// (base64 credentials on the command line), reusing the same credential
// path as LOGIN. A bare AUTHENTICATE PLAIN with no initial response is
// rejected; no "+" continuation round trip is made, and neither AUTH=PLAIN
// nor SASL-IR is listed in CAPABILITY.
func (s *Session) handleAuthenticate(tag, args string) error {
	mechParts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	mech := strings.ToUpper(mechParts[0])
	if mech != "PLAIN" || len(mechParts) < 2 {
		return s.writeResponse(tag, "NO", "unsupported SASL mechanism")
	}
	decoded, err := decodeSASLPlain(mechParts[1])
	if err != nil {
		return s.writeResponse(tag, "BAD", "invalid SASL-IR")
	}
	return s.handleLogin(tag, fmt.Sprintf("%q %q", decoded.username, decoded.password))
}

type saslPlainCreds struct{ authzid, username, password string }

func decodeSASLPlain(b64 string) (saslPlainCreds, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return saslPlainCreds{}, err
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return saslPlainCreds{}, fmt.Errorf("imapserver: malformed SASL PLAIN payload")
	}
	return saslPlainCreds{authzid: parts[0], username: parts[1], password: parts[2]}, nil
}

// handleNamespace answers NAMESPACE with a single personal namespace rooted
// at "" with "/" separators, since the core has no shared or other-users
// namespaces.
func (s *Session) handleNamespace(tag string) error {
	if !s.requireAuthenticated(tag) {
		return nil
	}
	if err := s.writeUntagged(`NAMESPACE (("" "/")) NIL NIL`); err != nil {
		return err
	}
	return s.writeResponse(tag, "OK", "NAMESPACE completed")
}

func (s *Session) requireAuthenticated(tag string) bool {
	s.mu.Lock()
	ok := s.authenticated
	s.mu.Unlock()
	if !ok {
		_ = s.writeResponse(tag, "NO", "not authenticated")
	}
	return ok
}

// parseQuotedArguments splits an IMAP argument string on unquoted spaces,
// honoring double-quoted strings and backslash escapes.
func parseQuotedArguments(args string) []string {
	var result []string
	var current strings.Builder
	inQuotes := false
	escaped := false

	for _, r := range args {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inQuotes {
				escaped = true
			} else {
				current.WriteRune(r)
			}
		case '"':
			inQuotes = !inQuotes
		case ' ':
			if inQuotes {
				current.WriteRune(r)
			} else if current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// parseMailboxPath strips a single pair of surrounding quotes, if present.
func parseMailboxPath(args string) string {
	args = strings.TrimSpace(args)
	if len(args) >= 2 && strings.HasPrefix(args, `"`) && strings.HasSuffix(args, `"`) {
		return args[1 : len(args)-1]
	}
	return args
}
