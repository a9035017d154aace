package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mindfulware/companionapi/cmd/attach"
	"github.com/mindfulware/companionapi/cmd/server"
	"github.com/mindfulware/companionapi/cmd/stub"
)

// Injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A .env file is optional. Values already present in the
	// environment win.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "companionapi",
		Short:   "Session front-end for a remote dialogue service",
		Long:    "companionapi runs an HTTP control API that manages a conversation session against a remote dialogue backend: login, turn submission, timed message reveal, and an event stream for clients.",
		Version: version,
	}

	rootCmd.AddCommand(server.CreateServerCmd())
	rootCmd.AddCommand(attach.AttachCmd)
	rootCmd.AddCommand(stub.CreateStubCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
