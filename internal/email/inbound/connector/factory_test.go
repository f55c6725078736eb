package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

func TestFactoryReturnsRegisteredMailbox(t *testing.T) {
	var got Account
	factory := NewFactory(WithConstructor(func(a Account, _ *zap.Logger) Mailbox {
		got = a
		return NewPOP3Mailbox(a)
	}, "Pop3"))

	mb, err := factory.Open(Account{Store: "POP3", Host: "h"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pop3", mb.Name())
	assert.Equal(t, "h", got.Host)
	assert.True(t, factory.Supports("pop3"))
	assert.False(t, factory.Supports("imap"))

	_, err = factory.Open(Account{Store: "nntp"}, nil)
	require.Error(t, err)
	assert.True(t, mailerr.IsConfiguration(err))
}

func TestDefaultFactory(t *testing.T) {
	f := DefaultFactory()
	mb, err := f.Open(Account{Store: "imap"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &IMAPMailbox{}, mb)

	mb, err = f.Open(Account{Store: "pop3"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &POP3Mailbox{}, mb)
}
