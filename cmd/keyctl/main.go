package main

import (
	"os"

	"sentinal-e2ee/cmd/keyctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
