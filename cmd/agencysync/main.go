// Command agencysync merges agency snapshots between point-of-sale nodes.
package main

import (
	"os"

	"github.com/roach88/agencysync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
