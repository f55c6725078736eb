package poller

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/action"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/connector"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/inbound/search"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Option keys.
const (
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyStore          = "store"
	KeyHost           = "host"
	KeyPort           = "port"
	KeyFolder         = "folder"
	KeySSL            = "ssl.enable"
	KeySearchTerm     = "search.term"
	KeyInterval       = "polling.interval"
	KeyTimeout        = "polling.timeout"
	KeyAction         = "action.after.processed"
	KeyFolderToMove   = "folder.to.move"
	KeyContentType    = "content.type"
	KeyTransportProps = "transport.properties"
)

const (
	defaultHost     = "imap.gmail.com"
	defaultFolder   = "INBOX"
	defaultInterval = 600
	imapSSLPort     = 993
)

// Settings is the validated configuration of one source.
type Settings struct {
	Name        string
	Account     connector.Account
	Filter      search.Filter
	Policy      action.Policy
	ContentType string
	Properties  []string
	Interval    time.Duration
	Timeout     time.Duration
}

// SettingsFromOptions validates a source definition. Every problem it
// reports is a configuration error.
func SettingsFromOptions(name string, o config.Options, logger *zap.Logger) (Settings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := o.Require(KeyUsername, KeyPassword); err != nil {
		return Settings{}, err
	}

	store := strings.ToLower(o.String(KeyStore, action.StoreIMAP))
	if store != action.StoreIMAP && store != action.StorePOP3 {
		return Settings{}, mailerr.Configurationf("option %q must be imap or pop3, got %q", KeyStore, store)
	}
	ssl, err := o.Bool(KeySSL, true)
	if err != nil {
		return Settings{}, err
	}
	port, err := o.Int(KeyPort, 0)
	if err != nil {
		return Settings{}, err
	}
	if port == 0 {
		if store != action.StoreIMAP || !ssl {
			return Settings{}, mailerr.Configurationf("option %q is required unless %q is imap with %q true", KeyPort, KeyStore, KeySSL)
		}
		port = imapSSLPort
	}

	contentType := strings.ToLower(o.String(KeyContentType, "text/plain"))
	if contentType != "text/plain" && contentType != "text/html" {
		return Settings{}, mailerr.Configurationf("option %q must be text/plain or text/html, got %q", KeyContentType, contentType)
	}

	interval, err := o.Int(KeyInterval, defaultInterval)
	if err != nil {
		return Settings{}, err
	}
	if interval < 1 {
		return Settings{}, mailerr.Configurationf("option %q must be a positive number of seconds, got %d", KeyInterval, interval)
	}
	timeout, err := o.Int(KeyTimeout, interval)
	if err != nil {
		return Settings{}, err
	}
	if timeout < 1 {
		return Settings{}, mailerr.Configurationf("option %q must be a positive number of seconds, got %d", KeyTimeout, timeout)
	}

	filter, err := search.Parse(o.String(KeySearchTerm, ""))
	if err != nil {
		return Settings{}, err
	}

	defaultAction := string(action.None)
	if store == action.StorePOP3 {
		defaultAction = string(action.Delete)
	}
	act, err := action.Parse(o.String(KeyAction, defaultAction))
	if err != nil {
		return Settings{}, err
	}
	folder := o.String(KeyFolder, defaultFolder)
	if store == action.StorePOP3 && !strings.EqualFold(folder, defaultFolder) {
		logger.Warn("pop3 has a single folder, ignoring folder option", zap.String("folder", folder))
		folder = defaultFolder
	}
	policy, err := action.NewPolicy(store, act, folder, o.String(KeyFolderToMove, ""), logger)
	if err != nil {
		return Settings{}, err
	}

	account := connector.Account{
		Store:    store,
		Host:     o.String(KeyHost, defaultHost),
		Port:     port,
		Username: o.String(KeyUsername, ""),
		Password: []byte(o.String(KeyPassword, "")),
		Folder:   folder,
		TLS:      ssl,
	}
	ignored, err := connector.ApplyPassthrough(&account, config.SourcePassthrough(o, store))
	if err != nil {
		return Settings{}, err
	}
	if len(ignored) > 0 {
		logger.Debug("ignoring unsupported transport properties", zap.Strings("keys", ignored))
	}

	return Settings{
		Name:        name,
		Account:     account,
		Filter:      filter,
		Policy:      policy,
		ContentType: contentType,
		Properties:  splitList(o.String(KeyTransportProps, "")),
		Interval:    time.Duration(interval) * time.Second,
		Timeout:     time.Duration(timeout) * time.Second,
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
