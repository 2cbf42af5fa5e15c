package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at link time.
var Version = "dev"

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Long:  ``,
		Args:  cobra.ExactArgs(0),
		Run: func(c *cobra.Command, args []string) {
			fmt.Printf("logbus %s\n", Version)
		},
	}
)
