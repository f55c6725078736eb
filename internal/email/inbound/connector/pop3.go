package connector

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/knadh/go-pop3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/message"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// pop3QuitTimeout bounds the wait for the server's reply to QUIT.
const pop3QuitTimeout = 10 * time.Second

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	// Abort closes the socket without QUIT. Blocked commands return and
	// pending deletions are discarded by the server.
	Abort() error
}

type pop3ConnFactory func(context.Context, Account) (pop3Connection, error)

// errUnsupported is returned for actions POP3 has no notion of.
var errUnsupported = errors.New("not supported by pop3")

// POP3Mailbox opens a fresh POP3 session each cycle, since a maildrop is
// fixed at login. Deletions take effect when Commit sends QUIT.
type POP3Mailbox struct {
	account Account
	logger  *zap.Logger
	now     func() time.Time
	newConn pop3ConnFactory

	mu      sync.Mutex
	conn    pop3Connection
	numbers map[string]int
}

// POP3Option customizes a POP3 mailbox.
type POP3Option func(*POP3Mailbox)

// NewPOP3Mailbox returns an unconnected POP3 mailbox.
func NewPOP3Mailbox(account Account, opts ...POP3Option) *POP3Mailbox {
	m := &POP3Mailbox{
		account: account,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	m.newConn = m.defaultConnFactory
	for _, opt := range opts {
		opt(m)
	}
	if m.newConn == nil {
		m.newConn = m.defaultConnFactory
	}
	return m
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *zap.Logger) POP3Option {
	return func(m *POP3Mailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(m *POP3Mailbox) {
		if now != nil {
			m.now = now
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(m *POP3Mailbox) {
		m.newConn = factory
	}
}

// Name returns the connector identifier.
func (m *POP3Mailbox) Name() string { return "pop3" }

// Connect opens and authenticates a new session. A session left over from an
// earlier cycle is ended first with QUIT, which applies its deletions.
func (m *POP3Mailbox) Connect(ctx context.Context) error {
	if old := m.take(); old != nil {
		if err := old.Quit(); err != nil {
			m.logger.Debug("pop3 quit stale session", zap.Error(err))
		}
	}
	conn, err := m.newConn(ctx, m.account)
	if err != nil {
		return classify("pop3 connect", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Abort() })
	err = conn.Auth(m.account.Username, string(m.account.Password))
	if !stop() {
		_ = conn.Abort()
		return classify("pop3 auth", ctx.Err())
	}
	if err != nil {
		_ = conn.Quit()
		return classify("pop3 auth", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.numbers = make(map[string]int)
	m.mu.Unlock()
	return nil
}

// Messages retrieves every message in the maildrop. POP3 has no search, so
// q is ignored and filtering happens client side.
func (m *POP3Mailbox) Messages(ctx context.Context, _ Query) ([]*FetchedMessage, error) {
	conn := m.current()
	if conn == nil {
		return nil, classify("pop3 uidl", errNotConnected)
	}
	ids, err := conn.Uidl(0)
	if err != nil {
		return nil, classify("pop3 uidl", err)
	}

	out := make([]*FetchedMessage, 0, len(ids))
	for _, meta := range ids {
		if err := ctx.Err(); err != nil {
			return nil, classify("pop3 retr", err)
		}
		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return nil, classify("pop3 retr "+strconv.Itoa(meta.ID), err)
		}
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		size := meta.Size
		if size == 0 {
			size = len(raw)
		}
		received := m.now()
		m.mu.Lock()
		if m.numbers == nil {
			m.mu.Unlock()
			return nil, classify("pop3 retr", errNotConnected)
		}
		m.numbers[uid] = meta.ID
		m.mu.Unlock()
		out = append(out, &FetchedMessage{
			ID:         uid,
			ReceivedAt: received,
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				message.MetaUID:           uid,
				message.MetaFolder:        "INBOX",
				message.MetaMessageNumber: strconv.Itoa(meta.ID),
				message.MetaReceivedDate:  received.Format(time.RFC3339),
				message.MetaSize:          strconv.Itoa(size),
				message.MetaStore:         m.Name(),
			},
		})
	}
	return out, nil
}

// SetFlag is not available on POP3.
func (m *POP3Mailbox) SetFlag(string, imap.Flag) error {
	return mailerr.Fatal("pop3 flag", errUnsupported)
}

// Move is not available on POP3.
func (m *POP3Mailbox) Move(string, string) error {
	return mailerr.Fatal("pop3 move", errUnsupported)
}

// Delete marks the message for deletion at QUIT.
func (m *POP3Mailbox) Delete(id string) error {
	conn := m.current()
	if conn == nil {
		return classify("pop3 dele", errNotConnected)
	}
	m.mu.Lock()
	n, ok := m.numbers[id]
	m.mu.Unlock()
	if !ok {
		return mailerr.Fatal("pop3 dele", errors.Errorf("unknown message %q", id))
	}
	if err := conn.Dele(n); err != nil {
		return classify("pop3 dele "+strconv.Itoa(n), err)
	}
	return nil
}

// Commit ends the session with QUIT, which makes deletions permanent.
// Cancelling ctx abandons the QUIT.
func (m *POP3Mailbox) Commit(ctx context.Context) error {
	conn := m.take()
	if conn == nil {
		return nil
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Abort() })
	defer stop()
	return classify("pop3 quit", conn.Quit())
}

// Close abandons the session by closing its socket without QUIT, so blocked
// commands return and uncommitted deletions are discarded by the server.
func (m *POP3Mailbox) Close() error {
	conn := m.take()
	if conn == nil {
		return nil
	}
	if err := conn.Abort(); err != nil {
		m.logger.Debug("pop3 abort", zap.Error(err))
	}
	return nil
}

func (m *POP3Mailbox) current() pop3Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *POP3Mailbox) take() pop3Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conn
	m.conn = nil
	m.numbers = nil
	return conn
}

func (m *POP3Mailbox) defaultConnFactory(ctx context.Context, account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if account.TLS {
			port = 995
		} else {
			port = 110
		}
	}
	timeout := account.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &pop3Dialer{ctx: ctx, dialer: net.Dialer{Timeout: timeout}}
	client := pop3.New(pop3.Opt{
		Host:          account.Host,
		Port:          port,
		DialTimeout:   timeout,
		Dialer:        d,
		TLSEnabled:    account.TLS,
		TLSSkipVerify: account.SkipVerify,
	})

	// the greeting is read inside NewConn, so ctx is bound to the raw socket
	stop := context.AfterFunc(ctx, d.abort)
	conn, err := client.NewConn()
	if !stop() {
		d.abort()
		return nil, ctx.Err()
	}
	if err != nil {
		d.abort()
		return nil, err
	}
	return &pop3Session{Conn: conn, raw: d.raw()}, nil
}

// pop3Dialer remembers the socket it dials so it can be closed from another
// goroutine while go-pop3 is blocked on it.
type pop3Dialer struct {
	ctx    context.Context
	dialer net.Dialer

	mu      sync.Mutex
	conn    net.Conn
	aborted bool
}

func (d *pop3Dialer) Dial(network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aborted {
		_ = conn.Close()
		return nil, net.ErrClosed
	}
	d.conn = conn
	return conn, nil
}

func (d *pop3Dialer) abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted = true
	if d.conn != nil {
		_ = d.conn.Close()
	}
}

func (d *pop3Dialer) raw() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// pop3Session is a go-pop3 connection plus its underlying socket.
type pop3Session struct {
	*pop3.Conn
	raw net.Conn
}

// Quit waits a bounded time for the server's reply and always closes the socket.
func (s *pop3Session) Quit() error {
	_ = s.raw.SetDeadline(time.Now().Add(pop3QuitTimeout))
	err := s.Conn.Quit()
	_ = s.raw.Close()
	return err
}

func (s *pop3Session) Abort() error {
	return s.raw.Close()
}
