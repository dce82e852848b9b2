// Package main is the entry point for the jsbridge command.
package main

import (
	"os"

	"github.com/zot/jsbridge/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
