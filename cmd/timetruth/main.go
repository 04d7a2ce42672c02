// Command timetruth records signed clock-in and clock-out events, keeps time
// entries in a durable queue and syncs them to a remote endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/jimmckelvey9861/workforce-mobile/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
