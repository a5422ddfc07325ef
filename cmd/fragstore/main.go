// Command fragstore manages a fragment row store repository.
package main

import (
	"os"

	"github.com/roach88/fragstore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
