// Command byokctl prepares and submits key transfer requests to the gateway.
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/common/version"
)

func init() {
	if version.Version == "" {
		version.Version = "dev"
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
