// Package main is the featurepipe command.
package main

import (
	"os"

	"github.com/oilcast/featurepipe/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
