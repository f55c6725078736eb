package sink

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/pool"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/smtptest"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/event"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

func sinkOptions(srv *smtptest.Server, extra map[string]any) config.Options {
	base := map[string]any{
		"username":   "bot",
		"password":   "secret",
		"address":    "bot@example.com",
		"host":       srv.Host,
		"port":       srv.Port,
		"ssl.enable": false,
		"subject":    "Alert",
		"to":         "a@x,b@x",
	}
	return config.NewOptions(base, extra)
}

func connected(t *testing.T, srv *smtptest.Server, reg *pool.Registry, extra map[string]any) *Sink {
	t.Helper()
	s, err := New("alerts", sinkOptions(srv, extra), reg)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func parse(t *testing.T, data []byte) *enmime.Envelope {
	t.Helper()
	env, err := enmime.ReadEnvelope(strings.NewReader(string(data)))
	require.NoError(t, err)
	return env
}

func TestPublishDeliversToEveryRecipient(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithCredentials("bot", "secret"))
	s := connected(t, srv, pool.NewRegistry(), nil)

	err := s.Publish(context.Background(), event.Event{ID: "1", Data: map[string]any{"symbol": "WSO2"}})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bot@example.com", msgs[0].From)
	assert.Equal(t, []string{"a@x", "b@x"}, msgs[0].To)

	env := parse(t, msgs[0].Data)
	assert.Equal(t, "a@x, b@x", env.GetHeader("To"))
	assert.Equal(t, "Alert", env.GetHeader("Subject"))
	assert.Equal(t, "symbol:WSO2", strings.TrimSpace(env.Text))
	assert.NotEmpty(t, env.GetHeader("Message-Id"))
}

func TestPublishResolvesPerEventValues(t *testing.T) {
	srv := smtptest.Start(t)
	s := connected(t, srv, pool.NewRegistry(), map[string]any{
		"to":              "{{recipient}}",
		"subject":         "Price of {{symbol}}",
		"cc":              "ops@x",
		"bcc":             "audit@x",
		"header.x-ticket": "T-{{id}}",
	})

	err := s.Publish(context.Background(), event.Event{ID: "42", Data: map[string]any{"recipient": "dyn@x", "symbol": "IBM"}})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"dyn@x", "ops@x", "audit@x"}, msgs[0].To)

	env := parse(t, msgs[0].Data)
	assert.Equal(t, "Price of IBM", env.GetHeader("Subject"))
	assert.Equal(t, "ops@x", env.GetHeader("Cc"))
	assert.Empty(t, env.GetHeader("Bcc"))
	assert.Equal(t, "T-42", env.GetHeader("X-Ticket"))

	err = s.Publish(context.Background(), event.Event{ID: "43", Data: map[string]any{"symbol": "IBM"}})
	require.Error(t, err)
	assert.True(t, mailerr.IsConfiguration(err))
	assert.Len(t, srv.Messages(), 1)
}

func TestPoolOfOneSerializesSends(t *testing.T) {
	srv := smtptest.Start(t, smtptest.WithDataHook(func(smtptest.Message) {
		time.Sleep(50 * time.Millisecond)
	}))
	s := connected(t, srv, pool.NewRegistry(), map[string]any{"connection.pool.size": 1})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Publish(context.Background(), event.Event{ID: strconv.Itoa(i), Data: map[string]any{"n": i}})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, srv.Messages(), 4)
	assert.Equal(t, 1, srv.MaxConcurrentData())
	assert.Equal(t, 1, srv.Sessions())
}

func TestRejectedRecipientIsPartialFailure(t *testing.T) {
	srv := smtptest.Start(t, smtptest.RejectRecipients("b@x"))
	s := connected(t, srv, pool.NewRegistry(), nil)

	err := s.Publish(context.Background(), event.Event{ID: "1", Data: map[string]any{"k": "v"}})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindPartialFailure, mailerr.KindOf(err))
	assert.Empty(t, srv.Messages())

	s2 := connected(t, srv, pool.NewRegistry(), map[string]any{"to": "a@x"})
	require.NoError(t, s2.Publish(context.Background(), event.Event{ID: "2", Data: map[string]any{"k": "v"}}))
	assert.Len(t, srv.Messages(), 1)
}

func TestSessionIsReusedAfterPartialFailure(t *testing.T) {
	srv := smtptest.Start(t, smtptest.RejectRecipients("bad@x"))
	s := connected(t, srv, pool.NewRegistry(), map[string]any{"to": "{{to}}"})

	err := s.Publish(context.Background(), event.Event{Data: map[string]any{"to": "bad@x"}})
	require.Error(t, err)
	require.NoError(t, s.Publish(context.Background(), event.Event{Data: map[string]any{"to": "good@x"}}))
	assert.Equal(t, 1, srv.Sessions())
}

func TestServerDownIsConnectivity(t *testing.T) {
	srv := smtptest.Start(t)
	s := connected(t, srv, pool.NewRegistry(), nil)
	require.NoError(t, srv.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Publish(ctx, event.Event{ID: "1", Data: map[string]any{"k": "v"}})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConnectivity, mailerr.KindOf(err))
	assert.True(t, mailerr.IsRetriable(err))
}

func TestRejectedMessageReportsHeaders(t *testing.T) {
	srv := smtptest.Start(t, smtptest.RejectData("content rejected"))
	s := connected(t, srv, pool.NewRegistry(), map[string]any{"cc": "ops@x"})

	err := s.Publish(context.Background(), event.Event{ID: "1", Data: map[string]any{"k": "v"}})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindTransportFatal, mailerr.KindOf(err))
	msg := err.Error()
	assert.Contains(t, msg, "content rejected")
	assert.Contains(t, msg, "Cc: ops@x")
	assert.Contains(t, msg, "To: a@x, b@x")
	assert.Contains(t, msg, "Subject: Alert")
	assert.Less(t, strings.Index(msg, "Cc:"), strings.Index(msg, "Subject:"))
	assert.Less(t, strings.Index(msg, "Subject:"), strings.Index(msg, "To:"))
	assert.Empty(t, srv.Messages())
}

func TestPublishBeforeConnect(t *testing.T) {
	srv := smtptest.Start(t)
	s, err := New("alerts", sinkOptions(srv, nil), pool.NewRegistry())
	require.NoError(t, err)

	err = s.Publish(context.Background(), event.Event{Data: map[string]any{"k": "v"}})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConnectivity, mailerr.KindOf(err))
}

func TestSinksShareOnePool(t *testing.T) {
	srv := smtptest.Start(t)
	reg := pool.NewRegistry()
	a := connected(t, srv, reg, nil)
	b := connected(t, srv, reg, map[string]any{"subject": "Other"})
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, a.Publish(context.Background(), event.Event{Data: map[string]any{"k": 1}}))
	require.NoError(t, b.Publish(context.Background(), event.Event{Data: map[string]any{"k": 2}}))
	assert.Equal(t, 1, srv.Sessions())

	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, 1, reg.Len())
	require.NoError(t, b.Publish(context.Background(), event.Event{Data: map[string]any{"k": 3}}))
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	srv := smtptest.Start(t)
	cases := map[string]map[string]any{
		"missing subject":     {"subject": ""},
		"missing to":          {"to": ""},
		"bad content type":    {"content.type": "application/json"},
		"bad ssl flag":        {"ssl.enable": "maybe"},
		"dynamic cc":          {"cc": "{{who}}"},
		"bad recipient":       {"to": "not an address"},
		"zero pool size":      {"connection.pool.size": 0},
		"non numeric port":    {"port": "smtp"},
		"no port without ssl": {"port": ""},
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New("alerts", sinkOptions(srv, extra), pool.NewRegistry())
			require.Error(t, err)
			assert.True(t, mailerr.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestDefaults(t *testing.T) {
	s, err := New("alerts", config.NewOptions(map[string]any{
		"username": "bot",
		"password": "secret",
		"address":  "bot@example.com",
		"subject":  "s",
		"to":       "a@x",
	}), pool.NewRegistry())
	require.NoError(t, err)

	st := s.settings
	assert.Equal(t, "smtp.gmail.com", st.transport.Host)
	assert.Equal(t, 465, st.transport.Port)
	assert.True(t, st.transport.Auth)
	assert.Equal(t, "text/plain", st.contentType)
	assert.Equal(t, 1, st.pool.Size)
}
