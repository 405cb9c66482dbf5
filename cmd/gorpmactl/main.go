// gorpmactl -- command-line client for exercising the gorpma library.
package main

import (
	"os"

	"github.com/dantte-lp/gorpma/cmd/gorpmactl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
