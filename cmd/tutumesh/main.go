// Command tutumesh runs a coordination node: see internal/cli for the
// available subcommands.
package main

import "github.com/tutu-network/tutumesh/internal/cli"

func main() {
	cli.Execute()
}
