package connector

import (
	"context"
	"fmt"
	"mime"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/message"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Noop() commandWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
	Move(numSet imap.NumSet, mailbox string) moveWaiter
	Create(mailbox string, options *imap.CreateOptions) commandWaiter
	List(ref, pattern string, options *imap.ListOptions) listWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }
type moveWaiter interface {
	Wait() (*imapclient.MoveData, error)
}
type listWaiter interface {
	Collect() ([]*imap.ListData, error)
}

var bodySection = &imap.FetchItemBodySection{Peek: true}

// IMAPMailbox keeps one IMAP session open across polling cycles.
type IMAPMailbox struct {
	account   Account
	logger    *zap.Logger
	now       func() time.Time
	newClient func(context.Context, Account) (imapClient, error)

	mu      sync.Mutex
	client  imapClient
	created map[string]bool
	deleted []imap.UID
}

// IMAPOption customizes an IMAP mailbox.
type IMAPOption func(*IMAPMailbox)

// NewIMAPMailbox returns an unconnected IMAP mailbox.
func NewIMAPMailbox(account Account, opts ...IMAPOption) *IMAPMailbox {
	m := &IMAPMailbox{
		account: account,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	m.newClient = m.defaultClientFactory
	for _, opt := range opts {
		opt(m)
	}
	if m.newClient == nil {
		m.newClient = m.defaultClientFactory
	}
	return m
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *zap.Logger) IMAPOption {
	return func(m *IMAPMailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(m *IMAPMailbox) {
		if now != nil {
			m.now = now
		}
	}
}

func withIMAPClientFactory(factory func(context.Context, Account) (imapClient, error)) IMAPOption {
	return func(m *IMAPMailbox) {
		m.newClient = factory
	}
}

// Name returns the connector identifier.
func (m *IMAPMailbox) Name() string { return "imap" }

// Connect reuses a live session (checked with NOOP) or opens, logs in and
// selects the folder.
func (m *IMAPMailbox) Connect(ctx context.Context) error {
	if c := m.current(); c != nil {
		if err := c.Noop().Wait(); err == nil {
			return nil
		}
		m.logger.Info("imap session lost, reconnecting", zap.String("host", m.account.Host))
		m.drop(c)
	}

	c, err := m.newClient(ctx, m.account)
	if err != nil {
		return classify("imap connect", err)
	}
	if err := c.Login(m.account.Username, string(m.account.Password)).Wait(); err != nil {
		_ = c.Close()
		return classify("imap auth", err)
	}
	folder := m.account.folder()
	if _, err := c.Select(folder, nil).Wait(); err != nil {
		_ = c.Close()
		return classify("imap select "+folder, err)
	}

	m.mu.Lock()
	m.client = c
	m.created = make(map[string]bool)
	m.deleted = nil
	m.mu.Unlock()
	m.logger.Debug("imap folder opened", zap.String("host", m.account.Host), zap.String("folder", folder))
	return classify("imap connect", ctx.Err())
}

// Messages searches the folder and fetches every match without setting \Seen.
func (m *IMAPMailbox) Messages(ctx context.Context, q Query) ([]*FetchedMessage, error) {
	c := m.current()
	if c == nil {
		return nil, classify("imap search", errNotConnected)
	}
	criteria := &imap.SearchCriteria{}
	if q.Criteria != nil {
		*criteria = *q.Criteria
	}
	criteria.NotFlag = append(append([]imap.Flag{imap.FlagDeleted}, criteria.NotFlag...), q.Exclude...)

	data, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify("imap search", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, classify("imap fetch", err)
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}
	bufs, err := c.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, classify("imap fetch", err)
	}

	folder := m.account.folder()
	out := make([]*FetchedMessage, 0, len(bufs))
	for _, buf := range bufs {
		body := buf.FindBodySection(bodySection)
		if body == nil {
			m.logger.Warn("imap message without body", zap.Uint32("uid", uint32(buf.UID)))
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = m.now()
		}
		uid := strconv.FormatUint(uint64(buf.UID), 10)
		out = append(out, &FetchedMessage{
			ID:         uid,
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
			Metadata: map[string]string{
				message.MetaUID:           uid,
				message.MetaFolder:        folder,
				message.MetaMessageNumber: strconv.FormatUint(uint64(buf.SeqNum), 10),
				message.MetaReceivedDate:  received.Format(time.RFC3339),
				message.MetaSize:          strconv.FormatInt(int64(len(body)), 10),
				message.MetaStore:         m.Name(),
			},
		})
	}
	return out, nil
}

// SetFlag adds flag to the message. Adding a flag it already has is harmless.
func (m *IMAPMailbox) SetFlag(id string, flag imap.Flag) error {
	c, uid, err := m.target("imap store", id)
	if err != nil {
		return err
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{flag}}
	if err := c.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		return classify("imap store "+string(flag), err)
	}
	return nil
}

// Delete marks the message \Deleted. Commit expunges it.
func (m *IMAPMailbox) Delete(id string) error {
	if err := m.SetFlag(id, imap.FlagDeleted); err != nil {
		return err
	}
	uid, _ := parseUID(id)
	m.mu.Lock()
	m.deleted = append(m.deleted, uid)
	m.mu.Unlock()
	return nil
}

// Move moves the message to target, creating the folder first if it does not exist.
func (m *IMAPMailbox) Move(id, target string) error {
	c, uid, err := m.target("imap move", id)
	if err != nil {
		return err
	}
	if err := m.ensureFolder(c, target); err != nil {
		return err
	}
	if _, err := c.Move(imap.UIDSetNum(uid), target).Wait(); err != nil {
		return classify("imap move "+target, err)
	}
	return nil
}

func (m *IMAPMailbox) ensureFolder(c imapClient, name string) error {
	m.mu.Lock()
	known := m.created[name]
	m.mu.Unlock()
	if known {
		return nil
	}
	list, err := c.List("", name, nil).Collect()
	if err != nil {
		return classify("imap list "+name, err)
	}
	if len(list) == 0 {
		if err := c.Create(name, nil).Wait(); err != nil {
			return classify("imap create "+name, err)
		}
		m.logger.Info("created missing imap folder", zap.String("folder", name))
	}
	m.mu.Lock()
	m.created[name] = true
	m.mu.Unlock()
	return nil
}

// Commit expunges the messages deleted this cycle.
func (m *IMAPMailbox) Commit(context.Context) error {
	m.mu.Lock()
	c, pending := m.client, m.deleted
	m.deleted = nil
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	if c == nil {
		return classify("imap expunge", errNotConnected)
	}
	if err := c.UIDExpunge(imap.UIDSetNum(pending...)).Close(); err != nil {
		return classify("imap expunge", err)
	}
	return nil
}

// Close logs out and drops the connection. Safe to call concurrently with
// other methods; their blocked I/O then fails.
func (m *IMAPMailbox) Close() error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.Logout().Wait() }()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Debug("imap logout", zap.Error(err))
		}
	case <-time.After(time.Second):
	}
	return c.Close()
}

func (m *IMAPMailbox) current() imapClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *IMAPMailbox) drop(c imapClient) {
	m.mu.Lock()
	if m.client == c {
		m.client = nil
	}
	m.mu.Unlock()
	if err := c.Close(); err != nil {
		m.logger.Debug("imap close", zap.Error(err))
	}
}

func (m *IMAPMailbox) target(op, id string) (imapClient, imap.UID, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, 0, classify(op, err)
	}
	c := m.current()
	if c == nil {
		return nil, 0, classify(op, errNotConnected)
	}
	return c, uid, nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, errors.Errorf("invalid imap uid %q", id)
	}
	return imap.UID(n), nil
}

func (m *IMAPMailbox) defaultClientFactory(ctx context.Context, account Account) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if account.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	timeout := account.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	opts := &imapclient.Options{
		Dialer:      &net.Dialer{Timeout: timeout},
		TLSConfig:   account.tlsConfig(),
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.NewReaderLabel},
	}
	addr := fmt.Sprintf("%s:%d", account.Host, port)
	var (
		client *imapclient.Client
		err    error
	)
	switch {
	case account.TLS:
		client, err = imapclient.DialTLS(addr, opts)
	case account.StartTLS:
		client, err = imapclient.DialStartTLS(addr, opts)
	default:
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Noop() commandWaiter   { return w.Client.Noop() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
func (w *imapClientWrapper) Move(numSet imap.NumSet, mailbox string) moveWaiter {
	return w.Client.Move(numSet, mailbox)
}
func (w *imapClientWrapper) Create(mailbox string, options *imap.CreateOptions) commandWaiter {
	return w.Client.Create(mailbox, options)
}
func (w *imapClientWrapper) List(ref, pattern string, options *imap.ListOptions) listWaiter {
	return w.Client.List(ref, pattern, options)
}
