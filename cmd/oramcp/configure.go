package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/rickchristie/oracle-mcp/internal/auth"
	"github.com/rickchristie/oracle-mcp/internal/configure"
)

func runConfigure() error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	fs.Parse(os.Args[2:])

	printBanner(os.Stderr, isTTY(os.Stderr.Fd()))
	return configure.Run(*configPath)
}

// runHashToken reads a token without echo and prints its bcrypt hash.
func runHashToken() error {
	fmt.Fprint(os.Stderr, "Token: ")
	token, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if len(token) == 0 {
		return fmt.Errorf("token must not be empty")
	}
	hash, err := auth.HashToken(string(token))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
