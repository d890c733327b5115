package main

import (
	"os"

	"github.com/spigell/applink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
