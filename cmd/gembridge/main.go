package main

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/gembridge/gembridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
