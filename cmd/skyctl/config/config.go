package config

import (
	"os"

	"github.com/spf13/cobra"
)

// Config holds CLI settings resolved from flags and environment.
type Config struct {
	// Server is the control plane API base URL.
	Server string

	// Output is the output format (table, json, yaml).
	Output string
}

// LoadConfig resolves CLI configuration from flags, falling back to the
// SKYLAB_SERVER environment variable and then localhost.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = os.Getenv("SKYLAB_SERVER")
	}
	if server == "" {
		server = "http://localhost:8080"
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = "table"
	}

	return &Config{Server: server, Output: output}, nil
}
