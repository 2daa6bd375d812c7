package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/auth"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// Dialer opens and authenticates wire sessions.
type Dialer struct {
	// ConnectTimeout bounds the TCP connect and TLS handshake.
	ConnectTimeout time.Duration
	// TLSConfig overrides the TLS client configuration; ServerName is
	// always set per host.
	TLSConfig *tls.Config
	Logger    *logrus.Logger
}

// NewDialer creates a dialer with the default connect timeout.
func NewDialer(logger *logrus.Logger) *Dialer {
	return &Dialer{
		ConnectTimeout: 30 * time.Second,
		Logger:         logger,
	}
}

// Dial connects, secures and authenticates a session. The security mode
// decides the transport state machine; the credential kind alone decides
// the SASL mechanism.
func (d *Dialer) Dial(ctx context.Context, host string, port int, mode types.SecurityMode, wire *types.WireCredential) (Session, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	var conn net.Conn
	var r *bufio.Reader
	var err error
	switch mode {
	case types.SecurityStartTLS:
		conn, r, err = d.dialStartTLS(ctx, addr, host)
	default:
		conn, err = d.dialTLS(ctx, addr, host)
		if err == nil {
			r = bufio.NewReader(conn)
		}
	}
	if err != nil {
		return nil, err
	}

	session := newWireSession(host, conn, r, d.Logger)
	if mode != types.SecurityStartTLS {
		// The STARTTLS path consumed the greeting before upgrading.
		if _, err := r.ReadString('\n'); err != nil {
			conn.Close()
			return nil, mailerr.Wrap(mailerr.KindConnectFailed, err, "no server greeting").WithHost(host)
		}
	}

	client, err := auth.SASLClient(wire)
	if err != nil {
		conn.Close()
		return nil, mailerr.Wrap(mailerr.KindAuthFailed, err, "unusable credential").WithHost(host)
	}
	mech, initial, err := client.Start()
	if err != nil {
		conn.Close()
		return nil, mailerr.Wrap(mailerr.KindAuthFailed, err, "sasl start failed").WithHost(host)
	}
	if err := session.authenticate(ctx, mech, initial, client.Next); err != nil {
		conn.Close()
		return nil, err
	}

	d.Logger.WithFields(logrus.Fields{
		"host":      host,
		"security":  string(mode),
		"mechanism": mech,
	}).Debug("IMAP session authenticated")
	return session, nil
}

// dialTLS performs an implicit-TLS connect: the handshake happens before
// any protocol byte.
func (d *Dialer) dialTLS(ctx context.Context, addr, host string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.ConnectTimeout},
		Config:    d.tlsConfig(host),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err, host)
	}
	return conn, nil
}

// dialStartTLS connects in plaintext, probes capabilities, upgrades the
// connection in place, and re-probes after the upgrade. The returned reader
// is the one that saw the post-upgrade traffic.
func (d *Dialer) dialStartTLS(ctx context.Context, addr, host string) (net.Conn, *bufio.Reader, error) {
	netDialer := &net.Dialer{Timeout: d.ConnectTimeout}
	raw, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, classifyDialError(err, host)
	}

	r := bufio.NewReader(raw)
	if _, err := r.ReadString('\n'); err != nil {
		raw.Close()
		return nil, nil, mailerr.Wrap(mailerr.KindConnectFailed, err, "no server greeting").WithHost(host)
	}

	probe := newWireSession(host, raw, r, d.Logger)
	caps, err := probe.capabilities(ctx)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	if !caps["STARTTLS"] {
		raw.Close()
		return nil, nil, mailerr.New(mailerr.KindStartTLSUnsupported, "server does not advertise STARTTLS").WithHost(host)
	}
	if _, err := probe.roundTrip(ctx, "STARTTLS"); err != nil {
		raw.Close()
		return nil, nil, mailerr.Wrap(mailerr.KindTLSUpgradeFailed, err, "STARTTLS rejected").WithHost(host)
	}

	tlsConn := tls.Client(raw, d.tlsConfig(host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, nil, classifyHandshakeError(err, host)
	}

	// Capabilities may legally change after the upgrade; re-probe so the
	// session never trusts the plaintext advertisement.
	tr := bufio.NewReader(tlsConn)
	upgraded := newWireSession(host, tlsConn, tr, d.Logger)
	if _, err := upgraded.capabilities(ctx); err != nil {
		tlsConn.Close()
		return nil, nil, err
	}
	return tlsConn, tr, nil
}

func (d *Dialer) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	cfg.ServerName = host
	return cfg
}

func classifyDialError(err error, host string) error {
	if isCertificateError(err) {
		return mailerr.Wrap(mailerr.KindCertificateInvalid, err, "certificate rejected").WithHost(host)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return mailerr.Wrap(mailerr.KindTimeout, err, "connect timed out").WithHost(host)
	}
	if strings.Contains(err.Error(), "tls:") {
		return mailerr.Wrap(mailerr.KindTLSUpgradeFailed, err, "TLS handshake failed").WithHost(host)
	}
	return mailerr.Wrap(mailerr.KindConnectFailed, err, "connect failed").WithHost(host)
}

func classifyHandshakeError(err error, host string) error {
	if isCertificateError(err) {
		return mailerr.Wrap(mailerr.KindCertificateInvalid, err, "certificate rejected").WithHost(host)
	}
	return mailerr.Wrap(mailerr.KindTLSUpgradeFailed, err, "TLS handshake failed").WithHost(host)
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &verifyErr)
}
