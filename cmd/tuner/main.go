package main

import (
	"os"

	"github.com/G-Research/tuner/cmd/tuner/cmd"
	"github.com/G-Research/tuner/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
