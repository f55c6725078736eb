package sink

import (
	"net/textproto"
	"sort"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/config"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/pool"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/transport"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Option keys.
const (
	KeyUsername    = "username"
	KeyAddress     = "address"
	KeyPassword    = "password"
	KeyHost        = "host"
	KeyPort        = "port"
	KeySSL         = "ssl.enable"
	KeyAuth        = "auth"
	KeyContentType = "content.type"
	KeySubject     = "subject"
	KeyTo          = "to"
	KeyCc          = "cc"
	KeyBcc         = "bcc"
	KeyAttachments = "attachments"

	headerPrefix = "header."
)

const (
	defaultHost = "smtp.gmail.com"
	sslPort     = 465
)

var contentTypes = map[string]bool{"text/plain": true, "text/html": true}

type namedValue struct {
	name  string
	value Value
}

// settings is the validated, resolved-once form of a sink's options.
type settings struct {
	from        string
	contentType string
	subject     Value
	to          Value
	cc          Value
	bcc         Value
	attachments Value
	headers     []namedValue

	transport transport.Settings
	pool      pool.Settings
	key       pool.Key
	ignored   []string
}

func parseSettings(o config.Options) (*settings, error) {
	if err := o.Require(KeyUsername, KeyAddress, KeyPassword, KeyTo, KeySubject); err != nil {
		return nil, err
	}

	ssl, err := o.Bool(KeySSL, true)
	if err != nil {
		return nil, err
	}
	auth, err := o.Bool(KeyAuth, true)
	if err != nil {
		return nil, err
	}
	port, err := o.Int(KeyPort, 0)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		if !ssl {
			return nil, mailerr.Configurationf("option %q is required when %q is false", KeyPort, KeySSL)
		}
		port = sslPort
	}

	contentType := strings.ToLower(o.String(KeyContentType, "text/plain"))
	if !contentTypes[contentType] {
		return nil, mailerr.Configurationf("option %q must be text/plain or text/html, got %q", KeyContentType, contentType)
	}

	from, err := mail.ParseAddress(o.String(KeyAddress, ""))
	if err != nil {
		return nil, mailerr.Configurationf("option %q is not a valid address: %v", KeyAddress, err)
	}

	s := &settings{from: from.Address, contentType: contentType}

	values := []struct {
		key     string
		dynamic bool
		dst     *Value
	}{
		{KeySubject, true, &s.subject},
		{KeyTo, true, &s.to},
		{KeyCc, false, &s.cc},
		{KeyBcc, false, &s.bcc},
		{KeyAttachments, true, &s.attachments},
	}
	for _, v := range values {
		parsed, err := parseValue(v.key, o.String(v.key, ""), v.dynamic)
		if err != nil {
			return nil, err
		}
		*v.dst = parsed
	}
	recipients := []struct {
		key string
		val Value
	}{{KeyTo, s.to}, {KeyCc, s.cc}, {KeyBcc, s.bcc}}
	for _, r := range recipients {
		if static, ok := r.val.(Static); ok {
			if _, err := parseAddresses(r.key, string(static)); err != nil {
				return nil, err
			}
		}
	}

	headerOpts := o.WithPrefix(headerPrefix)
	names := make([]string, 0, len(headerOpts))
	for k := range headerOpts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimPrefix(k, headerPrefix))
		if name == "" {
			continue
		}
		v, err := parseValue(k, headerOpts[k], true)
		if err != nil {
			return nil, err
		}
		s.headers = append(s.headers, namedValue{name: name, value: v})
	}

	ts := transport.DefaultSettings()
	ts.Host = o.String(KeyHost, defaultHost)
	ts.Port = port
	ts.Auth = auth
	ts.Username = o.String(KeyUsername, "")
	ts.Password = o.String(KeyPassword, "")
	ts.Security = transport.SecurityNone
	if ssl {
		ts.Security = transport.SecuritySSL
	}
	s.ignored, err = transport.ApplyPassthrough(&ts, config.SinkPassthrough(o))
	if err != nil {
		return nil, err
	}
	s.transport = ts

	s.pool, err = pool.SettingsFromOptions(o)
	if err != nil {
		return nil, err
	}
	s.key = pool.Key{
		Host:     ts.Host,
		Port:     ts.Port,
		Username: ts.Username,
		Password: ts.Password,
		Security: string(ts.Security),
		Auth:     ts.Auth,
	}
	return s, nil
}

// parseAddresses splits a comma separated recipient list.
func parseAddresses(key, raw string) ([]*mail.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, mailerr.Configurationf("option %q has an invalid address list %q: %v", key, raw, err)
	}
	return addrs, nil
}

// formatAddresses renders bare addresses as-is and named ones in name-addr form.
func formatAddresses(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name == "" {
			parts = append(parts, a.Address)
			continue
		}
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
