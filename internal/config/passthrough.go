package config

import "strings"

// SinkPassthrough returns the mail.smtp* and mail.store* keys forwarded to the SMTP transport.
func SinkPassthrough(o Options) map[string]string {
	return o.WithPrefix("mail.smtp", "mail.store")
}

// SourcePassthrough returns the mail.<store>* keys forwarded to the store transport.
func SourcePassthrough(o Options, store string) map[string]string {
	return o.WithPrefix("mail." + strings.ToLower(strings.TrimSpace(store)))
}
