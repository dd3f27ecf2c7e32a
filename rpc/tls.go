package rpc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// certLifetime bounds how long a generated cert is valid. Certs live as long as one dispatcher.
const certLifetime = 7 * 24 * time.Hour

// KeyPair is a PEM-encoded certificate and its private key.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Certs is a throwaway CA plus the server and client pairs it signed.
// Anyone holding these can call a worker, so handle carefully.
type Certs struct {
	CA     KeyPair
	Server KeyPair
	Client KeyPair
}

// ServerTLS returns the TLS config a worker serves with.
func (c *Certs) ServerTLS() (*tls.Config, error) {
	return ServerTLSConfig(c.CA.CertPEM, c.Server.CertPEM, c.Server.KeyPEM)
}

// ClientTLS returns the TLS config a caller dials workers with.
func (c *Certs) ClientTLS() (*tls.Config, error) {
	return ClientTLSConfig(c.CA.CertPEM, c.Client.CertPEM, c.Client.KeyPEM)
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, cert, err := loadTLS(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("client TLS: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   tlsServerName,
	}, nil
}

// ServerTLSConfig only accepts TLS 1.3 clients presenting a cert signed by the CA.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, cert, err := loadTLS(caCertPEM, certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("server TLS: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loadTLS(caCertPEM, certPEM, keyPEM []byte) (*x509.CertPool, tls.Certificate, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, tls.Certificate{}, errors.New("no CA certs found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	return pool, cert, nil
}

// GenerateCerts generates a CA and a server and client cert signed by it.
// All keys are P-256.
func GenerateCerts() (*Certs, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	ca := template("rconvert CA")
	ca.IsCA = true
	ca.BasicConstraintsValid = true
	ca.KeyUsage |= x509.KeyUsageCertSign

	certs := &Certs{}
	certs.CA, err = sign(ca, ca, caKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("CA cert: %w", err)
	}

	for _, leaf := range []struct {
		name string
		dst  *KeyPair
	}{
		{name: tlsServerName, dst: &certs.Server},
		{name: "rconvert-caller", dst: &certs.Client},
	} {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating %s key: %w", leaf.name, err)
		}
		tmpl := template(leaf.name)
		tmpl.DNSNames = []string{tlsServerName}
		*leaf.dst, err = sign(tmpl, ca, key, caKey)
		if err != nil {
			return nil, fmt.Errorf("%s cert: %w", leaf.name, err)
		}
	}
	return certs, nil
}

func template(commonName string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		Subject: pkix.Name{CommonName: commonName},
		// tolerate small clock differences
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(certLifetime),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
}

// sign issues tmpl for key, signed by parentKey as parent.
func sign(tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (KeyPair, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return KeyPair{}, fmt.Errorf("getting random serial number: %w", err)
	}
	tmpl.SerialNumber = serial

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("creating cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshaling key: %w", err)
	}
	return KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}
