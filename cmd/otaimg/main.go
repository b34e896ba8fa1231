package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:          "otaimg",
		Short:        "Inspect, deploy, and verify file-based OTA images",
		Version:      version + " (" + commit + ")",
		SilenceUsage: true,
	}

	root.AddCommand(
		newInspectIndexCmd(),
		newInspectBlobCmd(),
		newListImageCmd(),
		newLookupImageCmd(),
		newDeployImageCmd(),
		newVerifyResourcesCmd(),
		newVerifySignCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		return 1
	}
	return 0
}
