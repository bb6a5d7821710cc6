// Package main is the single-binary entrypoint for boop.
package main

import "github.com/boop-network/boop/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
