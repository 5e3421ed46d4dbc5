package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
)

// loadTLS builds the server TLS configuration from a combined cert+key PEM
// file. A missing or broken cert is not fatal: TLS-flagged listeners proceed
// without TLS, as the returned nil signals.
func loadTLS(log *slog.Logger, certFile, cipherList string) *tls.Config {
	if certFile == "" {
		log.Info("no TLS capability on any configured ports")
		return nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, certFile)
	if err != nil {
		log.Warn("failed to load cert", "path", certFile, "error", err)
		return nil
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10,
	}
	if cipherList != "" {
		suites, err := parseCipherList(cipherList)
		if err != nil {
			log.Warn("invalid cipher list", "ciphers", cipherList, "error", err)
		} else {
			cfg.CipherSuites = suites
		}
	}
	log.Info("TLS certificate found", "path", certFile)
	return cfg
}

// parseCipherList resolves a comma-separated list of Go cipher suite names.
func parseCipherList(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}
	var out []uint16
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	return out, nil
}
