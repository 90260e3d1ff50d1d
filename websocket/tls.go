package websocket

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/fosrl/wswatch/logger"
)

// TLSConfig holds TLS configuration options for wss/https targets.
type TLSConfig struct {
	ClientCertFile string
	ClientKeyFile  string
	CAFiles        []string

	// PKCS12 bundle with client certificate, key and optional CA chain.
	PKCS12File string

	InsecureSkipVerify bool
}

func (t TLSConfig) empty() bool {
	return t.ClientCertFile == "" && t.ClientKeyFile == "" && len(t.CAFiles) == 0 && t.PKCS12File == "" && !t.InsecureSkipVerify
}

// Build returns the tls.Config described by t, or nil when t is empty.
func (t TLSConfig) Build() (*tls.Config, error) {
	if t.empty() {
		return nil, nil
	}

	tlsConfig := &tls.Config{}
	switch {
	case t.ClientCertFile != "" && t.ClientKeyFile != "":
		logger.Debug("Loading client certificate %s", t.ClientCertFile)
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case t.PKCS12File != "":
		var err error
		tlsConfig, err = loadClientCertificate(t.PKCS12File)
		if err != nil {
			return nil, err
		}
	}

	if len(t.CAFiles) > 0 {
		if tlsConfig.RootCAs == nil {
			tlsConfig.RootCAs = x509.NewCertPool()
		}
		if err := appendCAFiles(tlsConfig.RootCAs, t.CAFiles); err != nil {
			return nil, err
		}
	}

	if t.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
		logger.Warn("TLS certificate verification disabled")
	}
	return tlsConfig, nil
}

func appendCAFiles(pool *x509.CertPool, files []string) error {
	for _, caFile := range files {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("failed to read CA file %s: %w", caFile, err)
		}
		// PEM first, then DER
		if !pool.AppendCertsFromPEM(caCert) {
			cert, err := x509.ParseCertificate(caCert)
			if err != nil {
				return fmt.Errorf("failed to parse CA certificate from %s: %w", caFile, err)
			}
			pool.AddCert(cert)
		}
	}
	return nil
}

// loadClientCertificate loads a PKCS12 bundle with an empty password.
func loadClientCertificate(p12Path string) (*tls.Config, error) {
	logger.Info("Loading PKCS12 client certificate %s", p12Path)
	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCS12 file: %w", err)
	}

	privateKey, certificate, caCerts, err := pkcs12.DecodeChain(p12Data, "")
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS12: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certificate.Raw},
		PrivateKey:  privateKey,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system cert pool: %w", err)
	}
	for _, caCert := range caCerts {
		rootCAs.AddCert(caCert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
	}, nil
}
