// Package main is the entry point for the pytx CLI.
package main

import "pytx.dev/pkg/pytx/cmd"

func main() {
	cmd.Execute()
}
