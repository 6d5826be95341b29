package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "conductord",
	Short:        "Autonomous pipeline orchestration daemon",
	SilenceUsage: true,
}
