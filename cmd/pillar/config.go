package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
)

// Config holds the pillar configuration.
type Config struct {
	// ID is the pillar id requests are addressed to.
	ID string

	// Role is "archive" for a bitarchive pillar or "checksum" for a checksum pillar.
	Role string

	// DataPath is the directory for the file index and stored files.
	DataPath string

	// QUICAddress is the QUIC listen address.
	QUICAddress string

	// ExchangeURL is the base URL of the staging exchange.
	ExchangeURL string

	// KeyPath holds the hex seed of the QUIC identity, empty for a throwaway identity.
	KeyPath string

	// PrivateKey is loaded from KeyPath at startup.
	PrivateKey ed25519.PrivateKey

	// SignKeyPath is the path to the BLS seed replies are signed with, empty for unsigned replies.
	SignKeyPath string

	// Trust lists "component=hexkey" pairs of clients allowed to send requests.
	Trust string

	// Fuel bounds the work of one batch job on one file, 0 for the default.
	Fuel uint64

	// LogLevel is debug, info, warn or error.
	LogLevel string
}

// parseFlags reads the daemon flags.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ID, "id", "", "Pillar id (required)")
	flag.StringVar(&cfg.Role, "role", "archive", "Pillar role: archive or checksum")
	flag.StringVar(&cfg.DataPath, "data", "./pillar-data", "Directory for stored files and the index")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC listen address")
	flag.StringVar(&cfg.ExchangeURL, "exchange", "http://127.0.0.1:8081", "Exchange base URL")
	flag.StringVar(&cfg.KeyPath, "key", "", "Identity seed path, created when missing")
	flag.StringVar(&cfg.SignKeyPath, "sign-key", "", "Reply signing seed path, created when missing")
	flag.StringVar(&cfg.Trust, "trust", "", "Comma-separated component=hexkey pairs of trusted clients")
	flag.Uint64Var(&cfg.Fuel, "fuel", 0, "Batch job fuel per file")
	flag.StringVar(&cfg.LogLevel, "log", "info", "Log level")
	flag.Parse()

	return cfg
}

// trusted parses the -trust flag into component id to BLS public key.
func (c *Config) trusted() (map[string][]byte, error) {
	out := make(map[string][]byte)

	for _, pair := range strings.Split(c.Trust, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		id, keyHex, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("trust entry %q: want component=hexkey", pair)
		}

		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("trust entry %q:\n%w", pair, err)
		}

		out[id] = key
	}

	return out, nil
}
