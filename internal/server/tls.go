package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

const (
	selfSignedCertName = "selfsigned.crt"
	selfSignedKeyName  = "selfsigned.key"
	selfSignedLifetime = 365 * 24 * time.Hour
	// certs closer than this to expiry are regenerated on startup
	selfSignedRenewBefore = 24 * time.Hour
)

// ListenAndServeTLS serves with the configured TLS mode. Mode "none" serves
// plain HTTP for use behind a reverse proxy.
func (s *Server) ListenAndServeTLS() error {
	if s.cfg.TLSMode == "" || s.cfg.TLSMode == "none" {
		return s.ListenAndServe()
	}

	tc, err := s.tlsConfig()
	if err != nil {
		return fmt.Errorf("tls %s: %w", s.cfg.TLSMode, err)
	}
	s.httpSrv.TLSConfig = tc

	s.logger.Info("starting HTTPS server", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSMode, "domain", s.cfg.Domain)
	return ignoreClosed(s.httpSrv.ListenAndServeTLS("", ""))
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	switch s.cfg.TLSMode {
	case "autocert":
		return s.autocertConfig()
	case "selfsigned":
		cert, err := loadOrCreateSelfSigned(s.cfg.CertCacheDir, certHosts(s.cfg), time.Now(), s.logger)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	case "manual":
		if s.cfg.CertFile == "" || s.cfg.KeyFile == "" {
			return nil, fmt.Errorf("cert_file and key_file are required")
		}
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	default:
		return nil, fmt.Errorf("unknown tls_mode %q", s.cfg.TLSMode)
	}
}

// autocertConfig obtains certificates from Let's Encrypt and answers the
// HTTP-01 challenge on :80 until the server shuts down.
func (s *Server) autocertConfig() (*tls.Config, error) {
	if s.cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if err := os.MkdirAll(s.cfg.CertCacheDir, 0700); err != nil {
		return nil, fmt.Errorf("create cert cache dir: %w", err)
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(s.cfg.CertCacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.Domain),
	}

	s.challengeSrv = &http.Server{
		Addr:              ":80",
		Handler:           m.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("starting ACME challenge listener", "addr", s.challengeSrv.Addr)
		if err := ignoreClosed(s.challengeSrv.ListenAndServe()); err != nil {
			s.logger.Error("ACME challenge listener stopped", "err", err)
		}
	}()

	return m.TLSConfig(), nil
}

// certHosts lists the names a self-signed certificate is issued for.
func certHosts(cfg *Config) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if cfg.Domain != "" {
		hosts = append(hosts, cfg.Domain)
	}
	if host, _, err := net.SplitHostPort(cfg.ListenAddr); err == nil && host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			hosts = append(hosts, host)
		}
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		hosts = append(hosts, name)
	}
	return hosts
}

// loadOrCreateSelfSigned returns the cached self-signed certificate in dir,
// issuing a new one when it is missing, unreadable or about to expire.
func loadOrCreateSelfSigned(dir string, hosts []string, now time.Time, logger *slog.Logger) (tls.Certificate, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert dir: %w", err)
	}
	certFile := filepath.Join(dir, selfSignedCertName)
	keyFile := filepath.Join(dir, selfSignedKeyName)

	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil && leaf.NotAfter.After(now.Add(selfSignedRenewBefore)) {
			cert.Leaf = leaf
			return cert, nil
		}
	}

	logger.Info("generating self-signed certificate", "dir", dir, "hosts", hosts)
	certPEM, keyPEM, notAfter, err := issueSelfSigned(hosts, now)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	logger.Info("self-signed certificate generated", "cert", certFile, "expires", notAfter.Format("2006-01-02"))

	return tls.X509KeyPair(certPEM, keyPEM)
}

func issueSelfSigned(hosts []string, now time.Time) (certPEM, keyPEM []byte, notAfter time.Time, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Sentinel"}, CommonName: "Sentinel Server"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, tmpl.NotAfter, nil
}
