package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"Bitvault/internal/config"
	"Bitvault/internal/logger"
	"Bitvault/internal/repository"
)

// command is one CLI subcommand.
type command struct {
	usage string                                                                   // usage is the argument synopsis
	run   func(ctx context.Context, r *repository.Repository, args []string) error // run executes the command
}

var commands = map[string]command{
	"collections": {"", runCollections},
	"replicas":    {"", runReplicas},
	"put":         {"[-c collection] -id FILE_ID PATH", runPut},
	"store":       {"[-c collection] -id FILE_ID PATH", runStore},
	"get":         {"[-c collection] [-pillar ID] [-offset N] [-length N] [-o PATH] FILE_ID", runGet},
	"exists":      {"[-c collection] FILE_ID", runExists},
	"list":        {"[-c collection] [-pillar ID]", runList},
	"checksums":   {"[-c collection] [FILE_ID]", runChecksums},
	"batch":       {"-replica ID [-c collection] (-job NAME | -wasm PATH) [-pattern RE] [-o PATH] [ARGS...]", runBatch},
	"correct":     {"[-c collection] -pillar ID -bad CHECKSUM -id FILE_ID PATH", runCorrect},
}

func main() {
	configPath := flag.String("config", "bitvault.toml", "Configuration file path")
	level := flag.String("log", "", "Log level, overrides the configuration")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(*configPath, *level, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration, opens the repository and executes one command.
func run(configPath, level, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if level == "" {
		level = cfg.LogLevel
	}
	logger.InitWriter(os.Stderr, level)

	repo, err := repository.Open(cfg)
	if err != nil {
		return fmt.Errorf("open repository:\n%w", err)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cmd.run(ctx, repo, args)
}

// usage prints the command list.
func usage() {
	fmt.Fprintf(os.Stderr, "usage: bitvault [-config PATH] [-log LEVEL] COMMAND [ARGS]\n\ncommands:\n")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", name, commands[name].usage)
	}
}
