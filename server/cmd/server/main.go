// Package main is the entry point for tunnelvision-server.
//
// Usage:
//
//	tunnelvision-server serve [-c config.yaml] [--port 8765]   # run the bridge
//	tunnelvision-server stats [--url http://127.0.0.1:8765]    # summarise a running server
//	tunnelvision-server version
package main

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "tunnelvision-server",
	Short: "Bridge between a host process and browser viewers",
	Long: `tunnelvision-server serves a front-end's static assets and relays live
state between one host process and any number of browser viewers.

The host connects to /ws/host and pushes channel updates; viewers connect to
/ws, receive a snapshot of every channel, then every later update. Viewer
interaction events are forwarded back to the host.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultConfigPath returns ~/.config/tunnelvision/config.yaml, or
// config.yaml when the home directory cannot be resolved.
func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "tunnelvision", "config.yaml")
}
