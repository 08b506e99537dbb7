// Command soap fits the soil microbial ratio model to each research site.
package main

import (
	"fmt"
	"os"

	"github.com/zoey-rw/SOaP/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
