package connector

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Constructor opens a mailbox session for an account.
type Constructor func(Account, *zap.Logger) Mailbox

// FactoryOption customizes a connector factory.
type FactoryOption func(*Factory)

// Factory resolves the mailbox implementation for a store type.
type Factory struct {
	mu   sync.RWMutex
	ctor map[string]Constructor
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{ctor: make(map[string]Constructor)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with the imap and pop3 stores.
func DefaultFactory() *Factory {
	return NewFactory(
		WithConstructor(func(a Account, l *zap.Logger) Mailbox { return NewIMAPMailbox(a, WithIMAPLogger(l)) }, "imap", "imaps"),
		WithConstructor(func(a Account, l *zap.Logger) Mailbox { return NewPOP3Mailbox(a, WithPOP3Logger(l)) }, "pop3", "pop3s"),
	)
}

// WithConstructor registers a constructor for the provided store types.
func WithConstructor(ctor Constructor, stores ...string) FactoryOption {
	return func(f *Factory) {
		if f == nil || ctor == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, s := range stores {
			key := normalizeType(s)
			if key == "" {
				continue
			}
			f.ctor[key] = ctor
		}
	}
}

// Open returns a new, unconnected mailbox for account.
func (f *Factory) Open(account Account, logger *zap.Logger) (Mailbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := normalizeType(account.Store)
	f.mu.RLock()
	ctor, ok := f.ctor[key]
	f.mu.RUnlock()
	if !ok {
		return nil, mailerr.Configurationf("no connector registered for store %q", account.Store)
	}
	return ctor(account, logger), nil
}

// Supports reports whether store has a registered connector.
func (f *Factory) Supports(store string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ctor[normalizeType(store)]
	return ok
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
