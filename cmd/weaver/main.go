package main

import (
	"os"

	"github.com/alvmarrod/shelf-weaver/cmd/weaver/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
