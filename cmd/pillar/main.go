package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"Bitvault/internal/logger"
	"Bitvault/internal/signing"
)

func main() {
	cfg := parseFlags()
	logger.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run loads the identity, builds the pillar and serves until a signal.
func run(cfg *Config) error {
	var err error
	cfg.PrivateKey, err = signing.LoadOrCreateIdentity(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load identity:\n%w", err)
	}

	p, err := NewPillar(cfg)
	if err != nil {
		return fmt.Errorf("create pillar:\n%w", err)
	}

	printStartupInfo(p)

	return p.Run()
}

// printStartupInfo displays the keys a client configuration needs.
func printStartupInfo(p *Pillar) {
	identity := p.cfg.PrivateKey.Public().(ed25519.PublicKey)

	signKey := ""
	if p.signKey != nil {
		signKey = hex.EncodeToString(p.signKey.PublicKeyBytes())
	}

	logger.Info("starting Bitvault pillar",
		"id", p.cfg.ID,
		"role", p.cfg.Role,
		"identity", hex.EncodeToString(identity),
		"public_key", signKey,
		"quic", p.cfg.QUICAddress,
		"data", p.cfg.DataPath,
		"exchange", p.cfg.ExchangeURL,
	)
}
