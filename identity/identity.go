// Package identity loads client certificate material and derives the PCP
// client identity (§3 ClientIdentity, §6 TLS inputs) used to authenticate to
// a broker and to stamp outbound envelopes.
package identity

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/puppetlabs/pcp-client-go/errs"
)

// Timeouts bundles the tuning knobs that govern connection and keep-alive
// behavior (spec.md §3, §4.1, §4.6).
type Timeouts struct {
	// WSConnectionTimeout bounds a single connect attempt.
	WSConnectionTimeout time.Duration

	// WSPongTimeout is the pong-timeout configured on every sent ping.
	WSPongTimeout time.Duration

	// PongTimeoutsBeforeRetry is the number of consecutive pong timeouts
	// that trigger a self-initiated close.
	PongTimeoutsBeforeRetry uint32

	// AssociationTimeout bounds the v1 Session Association handshake.
	AssociationTimeout time.Duration

	// AssociationRequestTTL is the TTL carried on the associate_request
	// envelope's expires field.
	AssociationRequestTTL time.Duration
}

// DefaultTimeouts returns the timings cpp-pcp-client ships as defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		WSConnectionTimeout:     5000 * time.Millisecond,
		WSPongTimeout:           5000 * time.Millisecond,
		PongTimeoutsBeforeRetry: 2,
		AssociationTimeout:      15 * time.Second,
		AssociationRequestTTL:   15 * time.Second,
	}
}

// ClientIdentity is the immutable, validated identity of a PCP client,
// derived once from certificate material (spec.md §3).
type ClientIdentity struct {
	ClientType string
	CAPath     string
	CertPath   string
	KeyPath    string
	CRLPath    string
	ProxyURI   string

	// CommonName is the client certificate's subject common name.
	CommonName string

	// URI is "pcp://<common_name>/<client_type>", used as the sender on
	// every outbound envelope.
	URI string

	Timeouts Timeouts

	cert tls.Certificate
	ca   *x509.CertPool
	crl  *x509.RevocationList
}

// Load builds a ClientIdentity from PEM-encoded certificate material on
// disk. Construction fails if the cert file is missing, unparseable,
// password-protected, if the key does not pair with the cert, or if a CRL
// path is given but unreadable (spec.md §3, §6).
func Load(clientType, caPath, certPath, keyPath, crlPath, proxyURI string, timeouts Timeouts) (*ClientIdentity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("certificate file %q does not exist", certPath), err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("key file %q does not exist", keyPath), err)
	}

	if block, _ := pem.Decode(keyPEM); block != nil && isEncryptedPEMBlock(block) {
		return nil, errs.New(errs.ConnectionConfig, "key is protected by password")
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionConfig, "private key and certificate do not pair", err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("certificate file %q is invalid", certPath), err)
	}
	pair.Leaf = leaf

	commonName := leaf.Subject.CommonName
	if commonName == "" {
		return nil, errs.New(errs.ConnectionConfig, "failed to retrieve the client common name from "+certPath)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("CA file %q does not exist", caPath), err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, errs.New(errs.ConnectionConfig, fmt.Sprintf("CA file %q contains no usable certificates", caPath))
	}

	var crl *x509.RevocationList
	if crlPath != "" {
		crlPEM, err := os.ReadFile(crlPath)
		if err != nil {
			return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("cannot load crl file: %s", crlPath), err)
		}
		block, _ := pem.Decode(crlPEM)
		der := crlPEM
		if block != nil {
			der = block.Bytes
		}
		crl, err = x509.ParseRevocationList(der)
		if err != nil {
			return nil, errs.Wrap(errs.ConnectionConfig, fmt.Sprintf("cannot load crl file: %s", crlPath), err)
		}
	}

	id := &ClientIdentity{
		ClientType: clientType,
		CAPath:     caPath,
		CertPath:   certPath,
		KeyPath:    keyPath,
		CRLPath:    crlPath,
		ProxyURI:   proxyURI,
		CommonName: commonName,
		URI:        fmt.Sprintf("pcp://%s/%s", commonName, clientType),
		Timeouts:   timeouts,
		cert:       pair,
		ca:         caPool,
		crl:        crl,
	}
	return id, nil
}

func isEncryptedPEMBlock(block *pem.Block) bool {
	_, ok := block.Headers["DEK-Info"]
	return ok
}

// TLSConfig builds a *tls.Config for dialing brokerHost, enforcing
// TLSv1.2+, the client cert/key pair, CA verification, and CRL checking
// when a CRL was loaded (spec.md §4.1 "TLS context").
func (c *ClientIdentity) TLSConfig(brokerHost string) *tls.Config {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{c.cert},
		RootCAs:      c.ca,
		ServerName:   brokerHost,
	}
	if c.crl != nil {
		cfg.VerifyPeerCertificate = c.verifyWithCRL
	}
	return cfg
}

// verifyWithCRL rejects peer certificates whose serial number appears on
// the loaded CRL. It never panics across the TLS callback boundary — a
// malformed chain is reported as a verification failure, not a crash
// (spec.md §4.1: "Verification failure closes the TCP stream ... never by
// throwing across the TLS callback boundary").
func (c *ClientIdentity) verifyWithCRL(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	for _, chain := range verifiedChains {
		for _, cert := range chain {
			for _, revoked := range c.crl.RevokedCertificateEntries {
				if revoked.SerialNumber != nil && cert.SerialNumber != nil &&
					revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
					return fmt.Errorf("certificate %s is revoked", cert.Subject)
				}
			}
		}
	}
	return nil
}
