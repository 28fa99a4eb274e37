package makecert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"
)

// This package creates ad-hoc self-signed certificates for the overlay
// transport.  The substrate is assumed to authenticate peers; TLS here only
// provides the handshake material QUIC requires.

type Cert struct {
	Certificate *x509.Certificate
	CertPEM     []byte
	Key         *ecdsa.PrivateKey
	TLSCert     tls.Certificate
	Pool        *x509.CertPool
}

// MakeSelfSigned generates a self-signed certificate valid for the given IPs and names.
func MakeSelfSigned(orgName string, expireDays int, ipAddresses []net.IP, dnsNames []string) (*Cert, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{orgName},
		},
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, expireDays),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	cert := &Cert{}
	cert.Key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	var certBytes []byte
	certBytes, err = x509.CreateCertificate(rand.Reader, template, template, &cert.Key.PublicKey, cert.Key)
	if err != nil {
		return nil, err
	}
	cert.Certificate, err = x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	certPEM := new(bytes.Buffer)
	err = pem.Encode(certPEM, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Certificate.Raw,
	})
	if err != nil {
		return nil, err
	}
	cert.CertPEM = certPEM.Bytes()
	var keyBytes []byte
	keyBytes, err = x509.MarshalECPrivateKey(cert.Key)
	if err != nil {
		return nil, err
	}
	keyPEM := new(bytes.Buffer)
	err = pem.Encode(keyPEM, &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyBytes,
	})
	if err != nil {
		return nil, err
	}
	cert.TLSCert, err = tls.X509KeyPair(cert.CertPEM, keyPEM.Bytes())
	if err != nil {
		return nil, err
	}
	cert.Pool = x509.NewCertPool()
	cert.Pool.AppendCertsFromPEM(cert.CertPEM)
	return cert, nil
}
