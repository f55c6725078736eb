package connector

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/action"
)

// Account carries what a connector needs to open a mailbox.
type Account struct {
	Store       string // imap or pop3
	Host        string
	Port        int
	Username    string
	Password    []byte
	Folder      string
	TLS         bool
	StartTLS    bool
	SkipVerify  bool
	DialTimeout time.Duration
}

func (a Account) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         a.Host,
		InsecureSkipVerify: a.SkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
}

func (a Account) folder() string {
	if a.Folder == "" {
		return "INBOX"
	}
	return a.Folder
}

// FetchedMessage is the raw payload of one message plus transport metadata.
type FetchedMessage struct {
	ID         string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
}

// Query narrows enumeration. Stores that cannot search ignore it.
type Query struct {
	Criteria *imap.SearchCriteria
	Exclude  []imap.Flag
}

// Mailbox is a stateful session on one folder. Methods other than Close are
// called from a single goroutine; Close may be called concurrently to abandon
// blocked I/O.
type Mailbox interface {
	Name() string
	Connect(ctx context.Context) error
	Messages(ctx context.Context, q Query) ([]*FetchedMessage, error)
	action.Mutator
	Commit(ctx context.Context) error
	Close() error
}
