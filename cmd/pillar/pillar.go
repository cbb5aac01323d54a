package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"Bitvault/internal/exchange"
	"Bitvault/internal/jobvm"
	"Bitvault/internal/logger"
	"Bitvault/internal/pillar"
	"Bitvault/internal/protocol"
	"Bitvault/internal/signing"
	"Bitvault/internal/storage"
)

// Pillar is a running pillar daemon.
type Pillar struct {
	cfg      *Config          // cfg is the daemon configuration
	store    *storage.Store   // store is the pebble file index
	jobs     *jobvm.Runtime   // jobs runs batch jobs, nil for checksum pillars
	handler  protocol.Handler // handler implements the role
	signKey  *signing.KeyPair // signKey signs replies, nil for unsigned
	server   *pillar.Server   // server authenticates, routes and signs
	listener *pillar.Listener // listener accepts client connections
}

// NewPillar creates and initializes a pillar.
func NewPillar(cfg *Config) (*Pillar, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("pillar requires -id")
	}

	p := &Pillar{cfg: cfg}

	steps := []func() error{p.initStorage, p.initHandler, p.initServer}
	for _, step := range steps {
		if err := step(); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

// initStorage opens the pebble index.
func (p *Pillar) initStorage() error {
	if err := os.MkdirAll(p.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := storage.Open(filepath.Join(p.cfg.DataPath, "index"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	p.store = store

	return nil
}

// initHandler creates the role handler.
func (p *Pillar) initHandler() error {
	ex := exchange.NewClient(p.cfg.ExchangeURL)

	switch p.cfg.Role {
	case "archive":
		jobs, err := jobvm.New(p.cfg.Fuel)
		if err != nil {
			return fmt.Errorf("init job runtime:\n%w", err)
		}
		p.jobs = jobs

		a, err := pillar.NewArchive(p.cfg.DataPath, p.store, ex, jobs)
		if err != nil {
			return fmt.Errorf("init archive:\n%w", err)
		}
		p.handler = a

	case "checksum":
		c, err := pillar.NewChecksums(filepath.Join(p.cfg.DataPath, "tmp"), p.store, ex)
		if err != nil {
			return fmt.Errorf("init checksum pillar:\n%w", err)
		}
		p.handler = c

	default:
		return fmt.Errorf("unknown role %q, want archive or checksum", p.cfg.Role)
	}

	return nil
}

// initServer loads the reply signing key and registers trusted clients.
func (p *Pillar) initServer() error {
	key, err := signing.LoadOrCreate(p.cfg.SignKeyPath)
	if err != nil {
		return fmt.Errorf("load signing key:\n%w", err)
	}
	p.signKey = key

	trusted, err := p.cfg.trusted()
	if err != nil {
		return err
	}

	p.server = pillar.NewServer(p.cfg.ID, p.handler, key)
	for id, pub := range trusted {
		p.server.Trust(id, pub)
	}

	return nil
}

// Run starts listening and blocks until SIGINT or SIGTERM.
func (p *Pillar) Run() error {
	l, err := pillar.Listen(p.cfg.QUICAddress, p.cfg.PrivateKey, p.server)
	if err != nil {
		return fmt.Errorf("start listener:\n%w", err)
	}
	p.listener = l

	logger.Info("pillar listening", "id", p.cfg.ID, "role", p.cfg.Role, "addr", l.Addr())

	return p.waitForShutdown()
}

// waitForShutdown blocks until a termination signal, then closes the pillar.
func (p *Pillar) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return p.Close()
}

// Close shuts down all pillar components.
func (p *Pillar) Close() error {
	if p.listener != nil {
		p.listener.Close()
	}

	if p.jobs != nil {
		p.jobs.Close()
	}

	if p.store != nil {
		return p.store.Close()
	}

	return nil
}
