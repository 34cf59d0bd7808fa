package main

import (
	"fmt"
	"os"

	"github.com/ryabkov82/rndc-batch-server/cmd/rndcctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
