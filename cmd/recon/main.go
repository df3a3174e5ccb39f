package main

import (
	"os"

	"github.com/betbot/gorecon/cmd/recon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
