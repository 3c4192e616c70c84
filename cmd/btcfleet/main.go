// Command btcfleet manages a fleet of bitcoin monitoring hosts: it
// plans overlay addresses, renders per-host configuration bundles, and
// converges hosts over SSH.
package main

import (
	"flag"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

const usage = `usage: btcfleet [-config FILE] <command> [arguments]

Commands:
  deploy   converge hosts onto their rendered configuration
  plan     print the overlay address assignments
  status   print per-host drift against the state store
  run      run a command across the fleet
  secret   manage the encrypted secrets file
  serve    serve the discovery and status endpoints

Global flags:
  -config FILE   path to the config file
  -version       print version and exit
`

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("btcfleet %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	if flag.NArg() == 0 {
		flag.Usage()
		return ExitConfigError
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "deploy":
		return cmdDeploy(cfg, logger, args)
	case "plan":
		return cmdPlan(cfg, logger, args)
	case "status":
		return cmdStatus(cfg, logger, args)
	case "run":
		return cmdRun(cfg, logger, args)
	case "secret":
		return cmdSecret(cfg, logger, args)
	case "serve":
		return cmdServe(cfg, logger, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		return ExitConfigError
	}
}
