package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// Sender delivers one rendered message. Implemented by Transport and
// swapped for a stub in pipeline tests.
type Sender interface {
	Send(ctx context.Context, account *types.Account, wire *types.WireCredential, rcpts []string, raw []byte) error
}

// Transport speaks SMTP. Port 465 style implicit TLS and port 587 style
// STARTTLS are both supported, chosen by the account's resolved security
// mode.
type Transport struct {
	TLSConfig *tls.Config
	Logger    *logrus.Logger
}

// NewTransport creates an SMTP transport.
func NewTransport(logger *logrus.Logger) *Transport {
	return &Transport{Logger: logger}
}

// Send connects, authenticates and delivers raw to every recipient. The
// returned error is classified: transient failures are worth a retry,
// terminal ones are not.
func (t *Transport) Send(ctx context.Context, account *types.Account, wire *types.WireCredential, rcpts []string, raw []byte) error {
	addr := fmt.Sprintf("%s:%d", account.SMTPHost, account.SMTPPort)
	tlsConfig := t.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: account.SMTPHost}
	}

	var client *smtp.Client
	var err error
	switch account.ResolvedSMTPSecurity() {
	case types.SecurityStartTLS:
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		client, err = smtp.DialTLS(addr, tlsConfig)
	}
	if err != nil {
		return classifySendError(err, account.SMTPHost)
	}
	defer client.Close()

	saslClient, err := auth.SASLClient(wire)
	if err != nil {
		return mailerr.Wrap(mailerr.KindSendTerminal, err, "no sasl client").WithHost(account.SMTPHost)
	}
	if err := client.Auth(saslClient); err != nil {
		// Auth rejections do not heal on retry.
		return mailerr.Wrap(mailerr.KindSendTerminal, err, "smtp auth failed").WithHost(account.SMTPHost)
	}

	if err := client.SendMail(account.Email, rcpts, bytes.NewReader(raw)); err != nil {
		return classifySendError(err, account.SMTPHost)
	}

	t.Logger.WithFields(logrus.Fields{
		"host":       account.SMTPHost,
		"recipients": len(rcpts),
	}).Info("Message delivered")
	return client.Quit()
}

// classifySendError maps an SMTP or network error onto the retry split:
// 4xx replies and network faults are transient, 5xx replies terminal.
func classifySendError(err error, host string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 {
			return mailerr.Wrap(mailerr.KindSendTerminal, err, "rejected by server").WithHost(host)
		}
		return mailerr.Wrap(mailerr.KindSendTransient, err, "temporary server failure").WithHost(host)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return mailerr.Wrap(mailerr.KindSendTransient, err, "network failure").WithHost(host)
	}
	return mailerr.Wrap(mailerr.KindSendTransient, err, "delivery failed").WithHost(host)
}
