package main

import (
	"os"

	"github.com/lab47/logbus/pkg/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
