// Command conductord is the daemon entrypoint, grounded on the teacher's
// cmd/ao layout (a thin main.go delegating to a cobra root command).
// Unlike ao, this binary ships no interactive surface of its own — per
// spec.md §1 the CLI surface is an out-of-scope external collaborator —
// so the only commands here are serve and version.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
