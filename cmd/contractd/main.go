package main

import (
	"os"

	"github.com/YoshitsuguKoike/contractd/internal/buildinfo"
	"github.com/YoshitsuguKoike/contractd/internal/interface/cli"
)

func main() {
	if err := cli.NewRootCmd(buildinfo.GetVersion()).Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
