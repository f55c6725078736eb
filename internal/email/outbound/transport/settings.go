// Package transport adapts go-smtp sessions to the delivery path and is the
// only place where SMTP failures are classified.
package transport

import (
	"crypto/tls"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Security selects how the SMTP connection is protected.
type Security string

const (
	SecurityNone     Security = "none"
	SecuritySSL      Security = "ssl"
	SecuritySTARTTLS Security = "starttls"
)

// Settings describe how to open one SMTP session.
type Settings struct {
	Host     string
	Port     int
	Security Security
	Auth     bool
	Username string
	Password string

	AuthMechanism   string
	AuthorizationID string
	LocalName       string

	DialTimeout       time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
	SkipVerify        bool
}

// DefaultSettings returns settings with the timeouts used when no passthrough overrides them.
func DefaultSettings() Settings {
	return Settings{
		Security:          SecuritySSL,
		Auth:              true,
		AuthMechanism:     sasl.Plain,
		DialTimeout:       30 * time.Second,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
	}
}

// TLSConfig builds the client TLS configuration.
func (s Settings) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: s.SkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
}

// ApplyPassthrough interprets the mail.smtp* keys this transport understands.
// Keys it does not understand are returned so the caller can log them.
func ApplyPassthrough(s *Settings, props map[string]string) (ignored []string, err error) {
	for rawKey, value := range props {
		key := strings.ToLower(rawKey)
		key = strings.Replace(key, "mail.smtps.", "mail.smtp.", 1)
		value = strings.TrimSpace(value)

		switch key {
		case "mail.smtp.connectiontimeout":
			s.DialTimeout, err = millis(rawKey, value)
		case "mail.smtp.timeout":
			s.CommandTimeout, err = millis(rawKey, value)
		case "mail.smtp.writetimeout":
			s.SubmissionTimeout, err = millis(rawKey, value)
		case "mail.smtp.starttls.enable":
			if strings.EqualFold(value, "true") && s.Security != SecuritySSL {
				s.Security = SecuritySTARTTLS
			}
		case "mail.smtp.ssl.trust":
			if value == "*" || containsFold(strings.Fields(value), s.Host) {
				s.SkipVerify = true
			}
		case "mail.smtp.ssl.checkserveridentity":
			if strings.EqualFold(value, "false") {
				s.SkipVerify = true
			}
		case "mail.smtp.localhost":
			s.LocalName = value
		case "mail.smtp.sasl.mechanisms", "mail.smtp.auth.mechanisms":
			if mech := firstMechanism(value); mech != "" {
				s.AuthMechanism = mech
			}
		case "mail.smtp.sasl.authorizationid":
			s.AuthorizationID = value
		default:
			ignored = append(ignored, rawKey)
		}
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(ignored)
	return ignored, nil
}

func millis(key, value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, mailerr.Configurationf("option %q must be a non-negative number of milliseconds, got %q", key, value)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func firstMechanism(value string) string {
	for _, m := range strings.Fields(strings.ReplaceAll(value, ",", " ")) {
		switch strings.ToUpper(m) {
		case sasl.Plain:
			return sasl.Plain
		case sasl.Login:
			return sasl.Login
		}
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
