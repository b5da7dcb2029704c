package main

import (
	"os"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/cmd/azeractl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
