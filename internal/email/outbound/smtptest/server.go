// Package smtptest runs an in-process SMTP server for tests.
package smtptest

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is one accepted transaction.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server records every delivered message.
type Server struct {
	Host string
	Port int

	srv      *smtp.Server
	mu       sync.Mutex
	messages []Message
	rejected map[string]bool
	username string
	password string
	dataHook func(Message)
	dataErr  error

	sessions  atomic.Int32
	inData    atomic.Int32
	maxInData atomic.Int32
}

// Option customizes a test server.
type Option func(*Server)

// WithCredentials requires PLAIN or LOGIN auth with these credentials.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// RejectRecipients answers 550 to RCPT TO for the given addresses.
func RejectRecipients(addrs ...string) Option {
	return func(s *Server) {
		for _, a := range addrs {
			s.rejected[strings.ToLower(a)] = true
		}
	}
}

// RejectData answers 554 at the end of DATA and records nothing.
func RejectData(message string) Option {
	return func(s *Server) {
		s.dataErr = &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: message}
	}
}

// WithDataHook runs fn inside DATA before the message is recorded.
func WithDataHook(fn func(Message)) Option {
	return func(s *Server) { s.dataHook = fn }
}

// Start listens on a random loopback port until the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{rejected: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}

	s.srv = smtp.NewServer(&backend{s: s})
	s.srv.Domain = "localhost"
	s.srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	go func() { _ = s.srv.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Close stops the server and drops every open session.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Messages returns a copy of the delivered messages.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Sessions is the number of connections accepted so far.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

// MaxConcurrentData is the highest number of simultaneous DATA commands seen.
func (s *Server) MaxConcurrentData() int { return int(s.maxInData.Load()) }

type backend struct{ s *Server }

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	b.s.sessions.Add(1)
	return &session{s: b.s}, nil
}

type session struct {
	s    *Server
	from string
	to   []string
}

func (ss *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

func (ss *session) Auth(mech string) (sasl.Server, error) {
	check := func(username, password string) error {
		if ss.s.username != "" && (username != ss.s.username || password != ss.s.password) {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "authentication failed"}
		}
		return nil
	}
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(_, username, password string) error {
			return check(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(check), nil
	default:
		return nil, smtp.ErrAuthUnsupported
	}
}

func (ss *session) Mail(from string, _ *smtp.MailOptions) error {
	ss.from = from
	return nil
}

func (ss *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if ss.s.rejected[strings.ToLower(to)] {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	ss.to = append(ss.to, to)
	return nil
}

func (ss *session) Data(r io.Reader) error {
	n := ss.s.inData.Add(1)
	defer ss.s.inData.Add(-1)
	for {
		old := ss.s.maxInData.Load()
		if n <= old || ss.s.maxInData.CompareAndSwap(old, n) {
			break
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg := Message{From: ss.from, To: append([]string(nil), ss.to...), Data: data}
	if ss.s.dataHook != nil {
		ss.s.dataHook(msg)
	}
	if ss.s.dataErr != nil {
		return ss.s.dataErr
	}
	ss.s.mu.Lock()
	ss.s.messages = append(ss.s.messages, msg)
	ss.s.mu.Unlock()
	return nil
}

func (ss *session) Reset() {
	ss.from = ""
	ss.to = nil
}

func (ss *session) Logout() error { return nil }

// loginServer implements the server side of the LOGIN mechanism.
type loginServer struct {
	check    func(username, password string) error
	step     int
	username string
}

func newLoginServer(check func(string, string) error) *loginServer {
	return &loginServer{check: check}
}

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.step {
	case 0:
		if len(response) > 0 {
			l.username = string(response)
			l.step = 2
			return []byte("Password:"), false, nil
		}
		l.step++
		return []byte("Username:"), false, nil
	case 1:
		l.username = string(response)
		l.step++
		return []byte("Password:"), false, nil
	case 2:
		l.step++
		return nil, true, l.check(l.username, string(response))
	default:
		return nil, true, errors.New("unexpected LOGIN response")
	}
}
