package connector

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/emersion/go-imap/v2"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// errNotConnected is returned by mailbox operations before Connect or after Close.
var errNotConnected = errors.New("mailbox not connected")

// classify maps a store error to a kind. Server replies (IMAP NO/BAD, POP3
// -ERR) are fatal for the operation; socket failures are connectivity.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mailerr.KindOf(err) != mailerr.KindUnknown {
		return err
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return mailerr.Fatal(op, err)
	}
	if isConnectivity(err) {
		return mailerr.Connectivity(op, err)
	}
	return mailerr.Fatal(op, err)
}

func isConnectivity(err error) bool {
	switch {
	case errors.Is(err, errNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "i/o timeout", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
