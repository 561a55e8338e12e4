package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

const (
	alpn            = "peer-talk"
	certValidityDur = 365 * 24 * time.Hour
)

func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// DefaultTLSConfig uses a fresh self-signed certificate. Relay identity is
// not verified; envelopes are authenticated by nothing but the hello name.
func DefaultTLSConfig() (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}, nil
}

func GenerateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		NotAfter:     time.Now().Add(certValidityDur),
		NotBefore:    time.Now(),
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"peer-talk"}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Bytes: certDER, Type: "CERTIFICATE"})
	keyPEM := pem.EncodeToMemory(&pem.Block{Bytes: keyDER, Type: "EC PRIVATE KEY"})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// LinkListener accepts QUIC relay links.
type LinkListener struct {
	ln *quic.Listener
}

func ListenLinks(addr string) (*LinkListener, error) {
	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, DefaultQUICConfig())
	if err != nil {
		return nil, err
	}
	return &LinkListener{ln: ln}, nil
}

func (l *LinkListener) Accept(ctx context.Context) (*Link, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewLink(conn), nil
}

func (l *LinkListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *LinkListener) Close() error {
	return l.ln.Close()
}

func DialLink(ctx context.Context, addr string) (*Link, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, DefaultQUICConfig())
	if err != nil {
		return nil, err
	}
	return NewLink(conn), nil
}

// Link carries envelopes over the control stream of one QUIC connection.
// The dialing side opens the stream and must send first.
type Link struct {
	codec *protocol.Codec
	conn  quic.Connection

	mu            sync.Mutex
	controlStream quic.Stream
	decoder       *protocol.StreamDecoder
	writeMu       sync.Mutex
}

func NewLink(conn quic.Connection) *Link {
	return &Link{
		codec: protocol.NewCodec(),
		conn:  conn,
	}
}

func (l *Link) Close() error {
	l.mu.Lock()
	stream := l.controlStream
	l.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
	return l.conn.CloseWithError(0, "")
}

// Receive blocks for the next envelope on the control stream.
func (l *Link) Receive(ctx context.Context) (*protocol.Envelope, error) {
	dec, err := l.acceptControlStream(ctx)
	if err != nil {
		return nil, err
	}
	return dec.Decode()
}

func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

func (l *Link) Send(ctx context.Context, env *protocol.Envelope) error {
	stream, err := l.openControlStream(ctx)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.codec.Encode(stream, env)
}

func (l *Link) acceptControlStream(ctx context.Context) (*protocol.StreamDecoder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.controlStream != nil {
		return l.decoder, nil
	}

	stream, err := l.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	l.setStream(stream)
	return l.decoder, nil
}

func (l *Link) openControlStream(ctx context.Context) (quic.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.controlStream != nil {
		return l.controlStream, nil
	}

	stream, err := l.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	l.setStream(stream)
	return stream, nil
}

func (l *Link) setStream(stream quic.Stream) {
	l.controlStream = stream
	l.decoder = l.codec.NewStreamDecoder(stream)
}
