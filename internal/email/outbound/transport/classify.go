package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/emersion/go-smtp"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// RejectedRecipient is one RCPT TO refused by the server.
type RejectedRecipient struct {
	Address string
	Code    int
	Message string
}

// RecipientsError lists the recipients refused in one transaction.
type RecipientsError struct {
	Rejected []RejectedRecipient
	Accepted int
}

func (e *RecipientsError) Error() string {
	parts := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		parts = append(parts, fmt.Sprintf("%s (%d %s)", r.Address, r.Code, r.Message))
	}
	return fmt.Sprintf("%d of %d recipients rejected: %s",
		len(e.Rejected), len(e.Rejected)+e.Accepted, strings.Join(parts, ", "))
}

// Classify maps a low level SMTP or socket error to a mailerr kind.
// Errors that already carry a kind are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mailerr.KindOf(err) != mailerr.KindUnknown {
		return err
	}
	if isConnectivity(err) {
		return mailerr.Connectivity(op, err)
	}
	return mailerr.Fatal(op, err)
}

func isConnectivity(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		// 421: service not available, the server is closing the channel.
		return smtpErr.Code == 421
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
