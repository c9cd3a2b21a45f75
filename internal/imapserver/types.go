// Package imapserver is the command dispatcher: it owns the TCP listener,
// per-connection session state and the per-command handlers, calling down
// into the Storage Gateway, Message Handler and Notifier instead of talking
// to a database directly.
package imapserver

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/melvynkim/wildduck/internal/auth"
	"github.com/melvynkim/wildduck/internal/indexer"
	"github.com/melvynkim/wildduck/internal/message"
	"github.com/melvynkim/wildduck/internal/model"
	"github.com/melvynkim/wildduck/internal/notifier"
	"github.com/melvynkim/wildduck/internal/session"
	"github.com/melvynkim/wildduck/internal/storage"
)

// SessionState tracks where a connection sits in RFC 3501 §3's state
// diagram.
type SessionState int

const (
	StateNotAuthenticated SessionState = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

// Logger is the narrow surface the dispatcher needs; a *zap.SugaredLogger
// satisfies it through the printf-style adapter in internal/config.
type Logger interface {
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
	Debug(format string, args ...interface{})
}

// ListenerID identifies this server in the IMAP ID command's response.
type ListenerID struct {
	Name    string
	Version string
	Vendor  string
}

// Options configures a Server: Database is replaced by the injected
// collaborators below, and MaxMessage/ID configure the listener.
type Options struct {
	Logger         Logger
	Host           string
	Port           int
	TLSConfig      *tls.Config
	MaxMessage     int64 // largest accepted APPEND literal, bytes; 0 = unlimited
	MaxStorage     int64 // fallback quota for users whose own quota is 0, bytes
	Secure         bool  // listener is already TLS (imaps); skip STARTTLS advertisement
	IgnoreSTARTTLS bool
	AuthTimeout    time.Duration
	ID             ListenerID
}

// Server owns the listener and the live session registry. Every handler
// reaches the domain through Gateway/Messages/Notify/Auth/Limiter/Index
// instead of a *mongo.Database.
type Server struct {
	opts     Options
	listener net.Listener

	Gateway storage.Gateway
	Messages *message.Handler
	Notify   *notifier.Notifier
	Auth     *auth.Authenticator
	Limiter  *auth.RateLimiter
	Index    *indexer.Indexer

	mu       sync.RWMutex
	sessions map[string]*Session

	quit chan struct{}
	done chan struct{}
}

// NewServer wires the collaborators built elsewhere in the module into a
// dispatcher. None of gw/messages/notify/authn may be nil; limiter and idx
// may be nil in tests that don't exercise LOGIN rate limiting or APPEND
// parsing.
func NewServer(opts Options, gw storage.Gateway, messages *message.Handler, notify *notifier.Notifier, authn *auth.Authenticator, limiter *auth.RateLimiter, idx *indexer.Indexer) *Server {
	return &Server{
		opts:     opts,
		Gateway:  gw,
		Messages: messages,
		Notify:   notify,
		Auth:     authn,
		Limiter:  limiter,
		Index:    idx,
		sessions: make(map[string]*Session),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Session is one client connection's mutable state: authentication,
// selected mailbox view and the wake channel it is subscribed to for
// cross-session change notification.
type Session struct {
	ID   string
	conn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer
	scanner *bufio.Scanner

	server *Server

	mu            sync.Mutex
	authenticated bool
	user          *model.User
	state         SessionState
	capabilities  []string
	tls           bool

	mailbox  *model.Mailbox
	view     *session.MailboxView
	wake     <-chan struct{}
	cancelSub func()

	condstoreEnabled bool
	idleCancel       func()
}

func (s *Session) isSelected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSelected && s.view != nil
}

func (s *Session) currentMailboxPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox == nil {
		return ""
	}
	return s.mailbox.Path
}

// unselect tears down the per-mailbox subscription and view, used by
// SELECT-of-a-new-mailbox, CLOSE and LOGOUT.
func (s *Session) unselect() {
	s.mu.Lock()
	cancel := s.cancelSub
	s.mailbox = nil
	s.view = nil
	s.wake = nil
	s.cancelSub = nil
	s.condstoreEnabled = false
	if s.state == StateSelected {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
