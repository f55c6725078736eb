package connector

import (
	"context"
	"errors"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

func TestIMAPMailboxFetchesMessages(t *testing.T) {
	client := newFakeIMAP()
	client.add(11, "first", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	client.add(12, "second", time.Time{})
	now := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

	mb := NewIMAPMailbox(Account{Store: "imap", Host: "mail.example", Username: "agent", Password: []byte("secret")},
		WithIMAPClock(func() time.Time { return now }),
		withIMAPClientFactory(func(context.Context, Account) (imapClient, error) { return client, nil }),
	)
	require.NoError(t, mb.Connect(context.Background()))
	assert.Equal(t, "INBOX", client.selected)

	msgs, err := mb.Messages(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "11", msgs[0].ID)
	assert.Equal(t, []byte("first"), msgs[0].Raw)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].ReceivedAt)
	assert.Equal(t, now, msgs[1].ReceivedAt)
	assert.Equal(t, "INBOX", msgs[0].Metadata["folder"])
	assert.Equal(t, "imap", msgs[0].Metadata["store"])
	assert.Equal(t, []imap.Flag{imap.FlagDeleted}, client.lastCriteria.NotFlag)
}

func TestIMAPMailboxReusesLiveSession(t *testing.T) {
	client := newFakeIMAP()
	dials := 0
	mb := NewIMAPMailbox(Account{Store: "imap", Host: "h", Username: "u", Password: []byte("p")},
		withIMAPClientFactory(func(context.Context, Account) (imapClient, error) { dials++; return client, nil }),
	)
	require.NoError(t, mb.Connect(context.Background()))
	require.NoError(t, mb.Connect(context.Background()))
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, client.noops)

	client.noopErr = io.EOF
	require.NoError(t, mb.Connect(context.Background()))
	assert.Equal(t, 2, dials)
}

func TestIMAPMailboxActions(t *testing.T) {
	client := newFakeIMAP()
	client.add(1, "a", time.Time{})
	client.add(2, "b", time.Time{})
	client.add(3, "c", time.Time{})
	mb := NewIMAPMailbox(Account{Store: "imap", Host: "h", Username: "u", Password: []byte("p")},
		withIMAPClientFactory(func(context.Context, Account) (imapClient, error) { return client, nil }),
	)
	require.NoError(t, mb.Connect(context.Background()))

	require.NoError(t, mb.SetFlag("1", imap.FlagSeen))
	require.NoError(t, mb.SetFlag("1", imap.FlagSeen))
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, client.flags[1])

	require.NoError(t, mb.Delete("2"))
	assert.Contains(t, client.flags[2], imap.FlagDeleted)

	require.NoError(t, mb.Move("3", "Processed"))
	require.NoError(t, mb.Move("3", "Processed"))
	assert.Equal(t, []string{"Processed"}, client.createdFolders)
	assert.Equal(t, 1, client.lists)

	require.NoError(t, mb.Commit(context.Background()))
	assert.Equal(t, [][]imap.UID{{2}}, client.expunged)

	msgs, err := mb.Messages(context.Background(), Query{Exclude: []imap.Flag{imap.FlagSeen}})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, mb.Commit(context.Background()))
	assert.Len(t, client.expunged, 1)
}

func TestIMAPMailboxErrorsAreClassified(t *testing.T) {
	acc := Account{Store: "imap", Host: "h", Username: "u", Password: []byte("p")}

	mb := NewIMAPMailbox(acc, withIMAPClientFactory(func(context.Context, Account) (imapClient, error) {
		return nil, &dialError{}
	}))
	err := mb.Connect(context.Background())
	require.ErrorContains(t, err, "imap connect")
	assert.Equal(t, mailerr.KindConnectivity, mailerr.KindOf(err))

	bad := newFakeIMAP()
	bad.loginErr = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "bad creds"}
	mb = NewIMAPMailbox(acc, withIMAPClientFactory(func(context.Context, Account) (imapClient, error) { return bad, nil }))
	err = mb.Connect(context.Background())
	require.ErrorContains(t, err, "imap auth")
	assert.Equal(t, mailerr.KindTransportFatal, mailerr.KindOf(err))
	assert.True(t, bad.closed)

	noFolder := newFakeIMAP()
	noFolder.selectErr = errors.New("no such folder")
	mb = NewIMAPMailbox(acc, withIMAPClientFactory(func(context.Context, Account) (imapClient, error) { return noFolder, nil }))
	require.ErrorContains(t, mb.Connect(context.Background()), "imap select")

	mb = NewIMAPMailbox(acc)
	_, err = mb.Messages(context.Background(), Query{})
	assert.Equal(t, mailerr.KindConnectivity, mailerr.KindOf(err))
	assert.Error(t, mb.SetFlag("x", imap.FlagSeen))
}

func TestIMAPMailboxCloseDropsSession(t *testing.T) {
	client := newFakeIMAP()
	mb := NewIMAPMailbox(Account{Store: "imap", Host: "h", Username: "u", Password: []byte("p")},
		withIMAPClientFactory(func(context.Context, Account) (imapClient, error) { return client, nil }),
	)
	require.NoError(t, mb.Connect(context.Background()))
	require.NoError(t, mb.Close())
	assert.True(t, client.closed)
	assert.Equal(t, 1, client.logouts)
	require.NoError(t, mb.Close())

	_, err := mb.Messages(context.Background(), Query{})
	assert.True(t, mailerr.IsRetriable(err))
}

// dialError stands in for a refused dial.
type dialError struct{}

func (*dialError) Error() string   { return "dial tcp: connection refused" }
func (*dialError) Timeout() bool   { return false }
func (*dialError) Temporary() bool { return false }

type fakeIMAPMessage struct {
	body     []byte
	internal time.Time
}

type fakeIMAPClient struct {
	msgs  map[imap.UID]fakeIMAPMessage
	flags map[imap.UID][]imap.Flag

	loginErr  error
	selectErr error
	noopErr   error

	selected       string
	lastCriteria   imap.SearchCriteria
	createdFolders []string
	folders        map[string]bool
	expunged       [][]imap.UID
	lists          int
	noops          int
	logouts        int
	closed         bool
}

func newFakeIMAP() *fakeIMAPClient {
	return &fakeIMAPClient{
		msgs:    map[imap.UID]fakeIMAPMessage{},
		flags:   map[imap.UID][]imap.Flag{},
		folders: map[string]bool{"INBOX": true},
	}
}

func (c *fakeIMAPClient) add(uid imap.UID, body string, internal time.Time) {
	c.msgs[uid] = fakeIMAPMessage{body: []byte(body), internal: internal}
}

func (c *fakeIMAPClient) hasFlag(uid imap.UID, flag imap.Flag) bool {
	for _, f := range c.flags[uid] {
		if f == flag {
			return true
		}
	}
	return false
}

func (c *fakeIMAPClient) sortedUIDs() []imap.UID {
	var uids []imap.UID
	for uid := range c.msgs {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logouts++
	return &fakeCommand{}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Noop() commandWaiter {
	c.noops++
	return &fakeCommand{err: c.noopErr}
}
func (c *fakeIMAPClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	c.selected = mailbox
	return &fakeSelect{err: c.selectErr}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.lastCriteria = *criteria
	var uids []imap.UID
	for _, uid := range c.sortedUIDs() {
		excluded := false
		for _, f := range criteria.NotFlag {
			excluded = excluded || c.hasFlag(uid, f)
		}
		if !excluded {
			uids = append(uids, uid)
		}
	}
	return &fakeSearch{data: &imap.SearchData{All: imap.UIDSetNum(uids...)}}
}
func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	set := numSet.(imap.UIDSet)
	var bufs []*imapclient.FetchMessageBuffer
	for _, uid := range c.sortedUIDs() {
		if !set.Contains(uid) {
			continue
		}
		bufs = append(bufs, &imapclient.FetchMessageBuffer{
			SeqNum:       uint32(uid),
			UID:          uid,
			InternalDate: c.msgs[uid].internal,
			BodySection: []imapclient.FetchBodySectionBuffer{{
				Section: &imap.FetchItemBodySection{},
				Bytes:   append([]byte(nil), c.msgs[uid].body...),
			}},
		})
	}
	return &fakeFetch{bufs: bufs}
}
func (c *fakeIMAPClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	set := numSet.(imap.UIDSet)
	for uid := range c.msgs {
		if !set.Contains(uid) {
			continue
		}
		for _, f := range store.Flags {
			if !c.hasFlag(uid, f) {
				c.flags[uid] = append(c.flags[uid], f)
			}
		}
	}
	return &fakeFetch{}
}
func (c *fakeIMAPClient) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	var removed []imap.UID
	for _, uid := range c.sortedUIDs() {
		if uids.Contains(uid) && c.hasFlag(uid, imap.FlagDeleted) {
			delete(c.msgs, uid)
			removed = append(removed, uid)
		}
	}
	c.expunged = append(c.expunged, removed)
	return &fakeExpunge{}
}
func (c *fakeIMAPClient) Move(numSet imap.NumSet, mailbox string) moveWaiter {
	set := numSet.(imap.UIDSet)
	if !c.folders[mailbox] {
		return &fakeMove{err: &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate}}
	}
	for uid := range c.msgs {
		if set.Contains(uid) {
			delete(c.msgs, uid)
		}
	}
	return &fakeMove{}
}
func (c *fakeIMAPClient) Create(mailbox string, _ *imap.CreateOptions) commandWaiter {
	c.folders[mailbox] = true
	c.createdFolders = append(c.createdFolders, mailbox)
	return &fakeCommand{}
}
func (c *fakeIMAPClient) List(_, pattern string, _ *imap.ListOptions) listWaiter {
	c.lists++
	var out []*imap.ListData
	if c.folders[pattern] {
		out = append(out, &imap.ListData{Mailbox: pattern})
	}
	return &fakeList{data: out}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return nil, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }

type fakeMove struct{ err error }

func (m *fakeMove) Wait() (*imapclient.MoveData, error) { return nil, m.err }

type fakeList struct{ data []*imap.ListData }

func (l *fakeList) Collect() ([]*imap.ListData, error) { return l.data, nil }
