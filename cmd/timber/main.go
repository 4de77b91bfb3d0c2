// Command timber runs the timber service: it follows the leaf events of
// Merkle tree contracts and serves sibling paths for their leaves.
//
// Usage:
//
//	timber [global flags] run        start the service
//	timber [global flags] deploy     deploy a tree contract
//	timber verify                    check a sibling path against a root
//	timber [global flags] dumpconfig print the resolved configuration
//	timber version                   print version and exit
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

// run is the actual entry point, returning an exit code. args includes the
// program name so it can be tested in isolation.
func run(args []string) int {
	if err := newApp().Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "timber",
		Usage:   "serve Merkle tree sibling paths for on-chain tree contracts",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Flags:   globalFlags,
		Commands: []*cli.Command{
			runCommand,
			deployCommand,
			verifyCommand,
			dumpConfigCommand,
			{
				Name:  "version",
				Usage: "print version and exit",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "timber %s (commit %s)\n", version, commit)
					return nil
				},
			},
		},
		DefaultCommand: "run",
	}
}
