package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Bitvault/internal/exchange"
	"Bitvault/internal/logger"
)

func main() {
	addr := flag.String("addr", ":8081", "HTTP listen address")
	dir := flag.String("dir", "./exchange", "Directory holding staged files")
	level := flag.String("log", "info", "Log level")
	flag.Parse()

	logger.Init(*level)

	if err := run(*addr, *dir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run serves the exchange until SIGINT or SIGTERM.
func run(addr, dir string) error {
	s := exchange.NewServer(addr, dir)
	if err := s.Start(); err != nil {
		return fmt.Errorf("start exchange:\n%w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return s.Stop()
}
