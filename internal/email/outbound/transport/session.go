package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer opens authenticated SMTP sessions.
type Dialer struct {
	settings Settings
	logger   *zap.Logger
	dial     dialFunc
}

// DialerOption customizes a Dialer.
type DialerOption func(*Dialer)

// WithLogger sets the dialer logger.
func WithLogger(l *zap.Logger) DialerOption {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

func withDialFunc(fn dialFunc) DialerOption {
	return func(d *Dialer) { d.dial = fn }
}

// NewDialer returns a dialer for s.
func NewDialer(s Settings, opts ...DialerOption) *Dialer {
	d := &Dialer{settings: s, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.dial == nil {
		d.dial = d.defaultDial
	}
	return d
}

// Settings returns the dialer settings.
func (d *Dialer) Settings() Settings { return d.settings }

func (d *Dialer) addr() string {
	return net.JoinHostPort(d.settings.Host, strconv.Itoa(d.settings.Port))
}

func (d *Dialer) defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.settings.DialTimeout}
	if d.settings.Security == SecuritySSL {
		td := &tls.Dialer{NetDialer: nd, Config: d.settings.TLSConfig()}
		return td.DialContext(ctx, network, addr)
	}
	return nd.DialContext(ctx, network, addr)
}

// Open dials, negotiates TLS as configured and authenticates.
func (d *Dialer) Open(ctx context.Context) (*Session, error) {
	conn, err := d.dial(ctx, "tcp", d.addr())
	if err != nil {
		return nil, mailerr.Connectivity("smtp dial "+d.addr(), err)
	}

	var c *smtp.Client
	if d.settings.Security == SecuritySTARTTLS {
		c, err = smtp.NewClientStartTLS(conn, d.settings.TLSConfig())
		if err != nil {
			_ = conn.Close()
			return nil, Classify("smtp starttls", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if d.settings.CommandTimeout > 0 {
		c.CommandTimeout = d.settings.CommandTimeout
	}
	if d.settings.SubmissionTimeout > 0 {
		c.SubmissionTimeout = d.settings.SubmissionTimeout
	}

	s := &Session{c: c, logger: d.logger, addr: d.addr()}
	if d.settings.LocalName != "" {
		if err := c.Hello(d.settings.LocalName); err != nil {
			s.abort()
			return nil, Classify("smtp hello", err)
		}
	}
	if d.settings.Auth {
		if err := c.Auth(d.saslClient()); err != nil {
			s.abort()
			return nil, Classify("smtp auth", err)
		}
	}
	d.logger.Debug("smtp session opened", zap.String("addr", s.addr))
	return s, nil
}

func (d *Dialer) saslClient() sasl.Client {
	if d.settings.AuthMechanism == sasl.Login {
		return sasl.NewLoginClient(d.settings.Username, d.settings.Password)
	}
	return sasl.NewPlainClient(d.settings.AuthorizationID, d.settings.Username, d.settings.Password)
}

// Envelope is the SMTP transaction routing.
type Envelope struct {
	From       string
	Recipients []string
}

// Session is one live, authenticated SMTP connection.
type Session struct {
	c      *smtp.Client
	logger *zap.Logger
	addr   string
}

// Send runs one MAIL/RCPT/DATA transaction. If any recipient is refused the
// transaction is reset and a PartialFailure is returned; nothing is sent.
func (s *Session) Send(env Envelope, msg []byte) error {
	if len(env.Recipients) == 0 {
		return mailerr.Fatal("smtp send", errors.New("no recipients"))
	}
	if err := s.c.Mail(env.From, nil); err != nil {
		return Classify("smtp mail from", err)
	}

	rerr := &RecipientsError{}
	for _, rcpt := range env.Recipients {
		err := s.c.Rcpt(rcpt, nil)
		if err == nil {
			rerr.Accepted++
			continue
		}
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) || smtpErr.Code == 421 {
			return Classify("smtp rcpt to", err)
		}
		rerr.Rejected = append(rerr.Rejected, RejectedRecipient{Address: rcpt, Code: smtpErr.Code, Message: smtpErr.Message})
	}
	if len(rerr.Rejected) > 0 {
		if err := s.c.Reset(); err != nil {
			s.logger.Warn("smtp reset after rejected recipients failed", zap.String("addr", s.addr), zap.Error(err))
		}
		return mailerr.PartialFailure("smtp rcpt to", rerr)
	}

	w, err := s.c.Data()
	if err != nil {
		return Classify("smtp data", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return Classify("smtp data write", err)
	}
	if err := w.Close(); err != nil {
		return Classify("smtp data close", err)
	}
	return nil
}

// Noop checks that the session is still usable.
func (s *Session) Noop() error {
	return Classify("smtp noop", s.c.Noop())
}

// Reset aborts any open transaction.
func (s *Session) Reset() error {
	return Classify("smtp reset", s.c.Reset())
}

// Close sends QUIT and closes the connection.
func (s *Session) Close() error {
	if err := s.c.Quit(); err != nil {
		s.abort()
		return Classify("smtp quit", err)
	}
	return nil
}

func (s *Session) abort() {
	if err := s.c.Close(); err != nil {
		s.logger.Debug("smtp close", zap.String("addr", s.addr), zap.Error(err))
	}
}
