package connector

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// ApplyPassthrough honors the mail.<store>.* properties that map onto an
// Account and returns the keys it did not use.
func ApplyPassthrough(a *Account, props map[string]string) ([]string, error) {
	var ignored []string
	for rawKey, value := range props {
		parts := strings.SplitN(strings.ToLower(rawKey), ".", 3)
		if len(parts) != 3 || parts[0] != "mail" {
			ignored = append(ignored, rawKey)
			continue
		}
		value = strings.TrimSpace(value)
		switch parts[2] {
		case "connectiontimeout":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, mailerr.Configurationf("option %q must be a non-negative number of milliseconds, got %q", rawKey, value)
			}
			a.DialTimeout = time.Duration(n) * time.Millisecond
		case "starttls.enable":
			// the POP3 client has no STLS support
			if parts[1] == "pop3" {
				ignored = append(ignored, rawKey)
				continue
			}
			a.StartTLS = strings.EqualFold(value, "true") && !a.TLS
		case "ssl.trust":
			if value == "*" || strings.Contains(" "+strings.ToLower(value)+" ", " "+strings.ToLower(a.Host)+" ") {
				a.SkipVerify = true
			}
		case "ssl.checkserveridentity":
			if strings.EqualFold(value, "false") {
				a.SkipVerify = true
			}
		default:
			ignored = append(ignored, rawKey)
		}
	}
	sort.Strings(ignored)
	return ignored, nil
}
