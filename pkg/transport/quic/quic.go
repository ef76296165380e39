// Package quic implements a message transport on QUIC.
//
// Reliability maps onto native QUIC primitives:
//   - RELIABLE_ORDERED: one unidirectional stream per channel, opened lazily,
//     carrying length-prefixed records.
//   - RELIABLE: one unidirectional stream per message, ended with FIN.
//   - UNRELIABLE: a QUIC datagram.
//   - UNRELIABLE_ORDERED: a sequence-numbered datagram; receivers drop any
//     datagram older than the newest seen on its channel.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/braddevans/PorkLib/pkg/transport"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "porklib"

// Transport implements transport.MessageTransport over QUIC.
type Transport struct {
	// TLS is used by listeners. A self-signed certificate is generated when nil.
	TLS *tls.Config
	// ClientTLS is used when dialing. Verification is skipped when nil.
	ClientTLS *tls.Config
	// MaxMessageSize bounds stream records read from peers.
	MaxMessageSize int

	once    sync.Once
	certErr error
}

func New() *Transport { return &Transport{MaxMessageSize: 16 << 20} }

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Reliabilities() transport.ReliabilitySet { return transport.AllReliabilities }

func (t *Transport) config() *quicgo.Config {
	return &quicgo.Config{
		EnableDatagrams:       true,
		MaxIncomingUniStreams: 4096,
		KeepAlivePeriod:       15 * time.Second,
	}
}

func (t *Transport) serverTLS() (*tls.Config, error) {
	t.once.Do(func() {
		if t.TLS != nil {
			return
		}
		cert, err := selfSignedCert()
		if err != nil {
			t.certErr = err
			return
		}
		t.TLS = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
			MinVersion:   tls.VersionTLS13,
		}
	})
	return t.TLS, t.certErr
}

func (t *Transport) clientTLS() *tls.Config {
	if t.ClientTLS != nil {
		return t.ClientTLS
	}
	return &tls.Config{
		InsecureSkipVerify: true, // NOTE: peers authenticate above the transport.
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.MessageListener, error) {
	tlsConf, err := t.serverTLS()
	if err != nil {
		return nil, err
	}
	l, err := quicgo.ListenAddr(address, tlsConf, t.config())
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, owner: t}
	context.AfterFunc(ctx, func() { _ = ql.Close() })
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.MessageConn, error) {
	c, err := quicgo.DialAddr(ctx, address, t.clientTLS(), t.config())
	if err != nil {
		return nil, err
	}
	return newConn(c, t.MaxMessageSize), nil
}

type listener struct {
	l     *quicgo.Listener
	owner *Transport
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.MessageConn, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(c, l.owner.MaxMessageSize), nil
}

func (l *listener) Close() error { return l.l.Close() }

// selfSignedCert generates a short-lived self-signed TLS certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
