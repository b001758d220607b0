package transport

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Mode selects how a Session is secured.
type Mode int

// Security modes.
const (
	ModePlain Mode = iota
	ModeTLS
	ModeMutualTLS
)

// ParseMode parses "none", "tls" or "mtls".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "none", "plain", "tcp":
		return ModePlain, nil
	case "tls":
		return ModeTLS, nil
	case "mtls", "mutual":
		return ModeMutualTLS, nil
	}
	return ModePlain, fmt.Errorf("unknown tls mode %q", s)
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTLS:
		return "tls"
	case ModeMutualTLS:
		return "mtls"
	}
	return "none"
}

// Credentials holds PEM-encoded TLS material.
type Credentials struct {
	CA   string
	Cert string
	Key  string
}

// Material is the decoded, immutable TLS material shared by all sessions.
type Material struct {
	CA     *x509.Certificate
	Roots  *x509.CertPool
	Client *tls.Certificate
}

// CertCache decodes Credentials once and hands out the result for the
// process lifetime.
type CertCache struct {
	mode  Mode
	creds Credentials

	once     sync.Once
	material *Material
	err      error
}

// NewCertCache creates a CertCache. Nothing is decoded until first use.
func NewCertCache(mode Mode, creds Credentials) *CertCache {
	return &CertCache{mode: mode, creds: creds}
}

// Mode returns the security mode.
func (c *CertCache) Mode() Mode {
	if c == nil {
		return ModePlain
	}
	return c.mode
}

// Material decodes the credentials on first call and returns the cached
// result afterwards.
func (c *CertCache) Material() (*Material, error) {
	c.once.Do(func() {
		c.material, c.err = decodeMaterial(c.mode, c.creds)
	})
	return c.material, c.err
}

// ClientConfig builds a tls.Config for serverName from the cached material.
func (c *CertCache) ClientConfig(serverName string) (*tls.Config, error) {
	m, err := c.Material()
	if err != nil {
		return nil, err
	}
	conf := &tls.Config{
		ServerName: serverName,
		RootCAs:    m.Roots,
		MinVersion: tls.VersionTLS13,
	}
	if m.Client != nil {
		conf.Certificates = []tls.Certificate{*m.Client}
	}
	return conf, nil
}

func decodeMaterial(mode Mode, creds Credentials) (*Material, error) {
	if creds.CA == "" {
		return nil, newError(CACertificateMissing, nil)
	}
	caDER, err := DecodePEM(creds.CA)
	if err != nil {
		return nil, err
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, newError(PEMParseError, err)
	}
	m := &Material{CA: ca, Roots: x509.NewCertPool()}
	m.Roots.AddCert(ca)
	glog.Infof("CA certificate decoded and cached: %d bytes", len(caDER))

	if mode != ModeMutualTLS {
		return m, nil
	}
	if creds.Cert == "" {
		return nil, newError(ClientCertificateMissing, nil)
	}
	if creds.Key == "" {
		return nil, newError(ClientPrivateKeyMissing, nil)
	}
	certDER, err := DecodePEM(creds.Cert)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, newError(PEMParseError, err)
	}
	keyDER, err := DecodePEM(creds.Key)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(keyDER)
	if err != nil {
		return nil, newError(PEMParseError, err)
	}
	m.Client = &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	glog.Infof("client certificate decoded and cached: cert %d bytes, key %d bytes", len(certDER), len(keyDER))
	return m, nil
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	return x509.ParsePKCS1PrivateKey(der)
}

// DecodePEM returns the DER bytes of the first PEM block in s.
func DecodePEM(s string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, newError(PEMParseError, fmt.Errorf("no PEM block found"))
	}
	return block.Bytes, nil
}
