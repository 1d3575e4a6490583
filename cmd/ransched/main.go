// ransched runs NR cell schedulers: `ransched run` serves them, `ransched
// simulate` drives them with the radio emulator.
package main

import (
	"fmt"
	"os"

	"github.com/signalsfoundry/ran-scheduler/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
