package bridge

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
	"net"
	"time"
)

// Certs holds a throwaway CA and a server certificate signed by it.
type Certs struct {
	CA     Cert
	Server Cert
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	x509Cert *x509.Certificate
	privKey  *ecdsa.PrivateKey
}

// ServerTLSConfig builds the TLS config for serving HTTPS. Clients are not authenticated.
func ServerTLSConfig(certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientTLSConfig builds a TLS config that trusts the given CA.
func ClientTLSConfig(caCertPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no certificates found in CA PEM")
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    caCertPool,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func encodeCert(template, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (Cert, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating x509 cert: %w", err)
	}
	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})
	if certPEMBytes == nil {
		return Cert{}, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})
	if keyPEMBytes == nil {
		return Cert{}, errors.New("unable to encode private key to PEM")
	}

	return Cert{
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  keyPEMBytes,
		x509Cert:     template,
		privKey:      key,
	}, nil
}

// GenerateCerts generates a CA and a server certificate valid for localhost and the given extra hosts, for one week.
// Hosts that parse as IP addresses become IP SANs, the rest DNS SANs.
func GenerateCerts(hosts ...string) (*Certs, error) {
	caSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA private key: %w", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: "procbridge CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 7),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	ca, err := encodeCert(caTemplate, caTemplate, caKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating server private key: %w", err)
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: serverSerial,
		Subject:      pkix.Name{CommonName: "procbridge"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			serverTemplate.IPAddresses = append(serverTemplate.IPAddresses, ip)
		} else {
			serverTemplate.DNSNames = append(serverTemplate.DNSNames, h)
		}
	}
	server, err := encodeCert(serverTemplate, ca.x509Cert, serverKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	return &Certs{CA: ca, Server: server}, nil
}
