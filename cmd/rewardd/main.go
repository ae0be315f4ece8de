/*
main.go - Application entry point

PURPOSE:
  Runs the rewardd command tree. All wiring lives in the cli package.

EXAMPLES:
  # Serve with a config file
  ./rewardd serve -c rewardd.toml

  # Serve an in-memory database on another port
  ./rewardd serve --db=":memory:" --addr=":3000"

  # Replay due pending operations once (cron)
  ./rewardd retry

  # Inspect failed operations
  ./rewardd pending list --status failed --format json

ENVIRONMENT:
  Every config key can be set as REWARDS_<SECTION>_<KEY>; see config/config.go.

SEE ALSO:
  - cli/root.go: Command tree and global flags
  - cli/serve.go: Server startup and graceful shutdown
*/
package main

import (
	"fmt"
	"os"

	"github.com/warp/reward-ledger/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
