// Command server runs emads, the hostel electricity anomaly detection and
// alerting service.
//
// Subcommands:
//   - serve     run the HTTP API and the periodic check scheduler (default)
//   - check     run one alert check, print the report as JSON and exit
//   - validate  load and validate the configuration, then exit
//
// Configuration comes from the YAML file named by --config, overridden by
// EMADS_* environment variables. See internal/config.
//
// Graceful Shutdown:
//   - Stops the scheduler after any in-flight check completes
//   - Closes WebSocket clients and the HTTP listener
//   - Closes the lock client, the store and the audit log
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
