package emucore

//
// Session certification authority
//

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/google/martian/v3/mitm"
)

// SessionCA is the certification authority shared by every node of a
// [Session]. Emulated TLS servers present certificates minted on the
// fly for whatever SNI the client sends, and emulated clients trust
// the session root through [UnderlyingNetwork.DefaultCertPool], so
// HTTPS works inside the emulation for any name. You MUST use the
// [NewSessionCA] factory to create a new instance.
type SessionCA struct {
	// cert is the session root certificate.
	cert *x509.Certificate

	// config is the mitm config to generate certificates on the fly.
	config *mitm.Config

	// key is the private key that signed the root certificate.
	key *rsa.PrivateKey
}

var _ CertificationAuthority = &SessionCA{}

// NewSessionCA creates a new [SessionCA].
func NewSessionCA() (*SessionCA, error) {
	cert, key, err := mitm.NewAuthority("emucore", "emucore", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	config, err := mitm.NewConfig(cert, key)
	if err != nil {
		return nil, err
	}
	ca := &SessionCA{
		cert:   cert,
		config: config,
		key:    key,
	}
	return ca, nil
}

// CACert implements [CertificationAuthority].
func (c *SessionCA) CACert() *x509.Certificate {
	return c.cert
}

// DefaultCertPool implements [CertificationAuthority].
func (c *SessionCA) DefaultCertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	return pool
}

// ServerTLSConfig implements [CertificationAuthority]: the returned
// config generates certificates on-the-fly using the SNI extension in
// the TLS ClientHello, or the server's own address as a fallback SNI.
func (c *SessionCA) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: false,
		GetCertificate: func(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			martianConfig := c.config.TLSForHost(tlsAddrFromClientHello(clientHello))
			return martianConfig.GetCertificate(clientHello)
		},
		NextProtos: []string{"http/1.1"},
	}
}

// tlsAddrFromClientHello extracts the server addr from the ClientHelloInfo struct. This fixes
// cases where we have a server listening on, say, 10.0.0.1, and the client attempts to
// connect to the https://10.0.0.1/ URL without using any SNI.
func tlsAddrFromClientHello(clientHello *tls.ClientHelloInfo) string {
	addr := clientHello.Conn.LocalAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}
