// Command tickd is the tickq scheduler daemon.
// It runs the configured time bases and jobs, serves diagnostics over HTTP
// and keeps boot records and job checkpoints in the data directory.
//
// Usage:
//
//	tickd run    [--config path/to/config.yaml]
//	tickd check  [--config path/to/config.yaml]
//	tickd boots  [--config path/to/config.yaml] [--limit N]
//	tickd jobs   [--addr URL] [--api-key KEY]
//	tickd period [--addr URL] [--api-key KEY] <job> <ticks>
//	tickd stop   [--addr URL] [--api-key KEY] <job>
//	tickd start  [--addr URL] [--api-key KEY] <job>
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli"

	transphttp "github.com/snehjoshi/tickq/internal/transport/http"
)

var version = "dev"

func main() {
	if err := newCLI(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tickd: %v\n", err)
		os.Exit(1)
	}
}

var (
	configFlag = cli.StringFlag{
		Name:  "config, c",
		Value: "config.yaml",
		Usage: "path to the config file; missing files fall back to defaults",
	}
	limitFlag = cli.IntFlag{
		Name:  "limit, n",
		Value: 20,
		Usage: "number of boot records to show, 0 for all",
	}
	keepBootsFlag = cli.IntFlag{
		Name:  "keep-boots",
		Value: 100,
		Usage: "boot records kept in the store, 0 keeps all",
	}
	addrFlag = cli.StringFlag{
		Name:   "addr, a",
		Value:  "http://127.0.0.1:8080",
		Usage:  "base URL of a running tickd",
		EnvVar: "TICKQ_ADDR",
	}
	apiKeyFlag = cli.StringFlag{
		Name:   "api-key",
		Usage:  "value sent as X-Api-Key",
		EnvVar: "TICKQ_API_KEY",
	}
	remoteFlags = []cli.Flag{addrFlag, apiKeyFlag}
)

func newCLI(out io.Writer) *cli.App {
	transphttp.Version = version
	return &cli.App{
		Name:      "tickd",
		HelpName:  "tickd",
		Usage:     "cooperative multi-time-base job scheduler",
		Version:   version,
		UsageText: "tickd <command> [arguments...]",
		Writer:    out,
		ErrWriter: os.Stderr,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the scheduler daemon",
				Action: runDaemon,
				Flags:  []cli.Flag{configFlag, keepBootsFlag},
			},
			{
				Name:   "check",
				Usage:  "validate a config file and print the jobs it declares",
				Action: checkConfig,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "boots",
				Usage:  "list recorded boots, newest first",
				Action: listBoots,
				Flags:  []cli.Flag{configFlag, limitFlag},
			},
			{
				Name:   "jobs",
				Usage:  "list the jobs of a running tickd",
				Action: remoteJobs,
				Flags:  remoteFlags,
			},
			{
				Name:      "period",
				Usage:     "change the period of a periodic job",
				ArgsUsage: "<job> <ticks>",
				Action:    remotePeriod,
				Flags:     remoteFlags,
			},
			{
				Name:      "stop",
				Usage:     "stop a job",
				ArgsUsage: "<job>",
				Action:    remoteStop,
				Flags:     remoteFlags,
			},
			{
				Name:      "start",
				Usage:     "start a stopped job",
				ArgsUsage: "<job>",
				Action:    remoteStart,
				Flags:     remoteFlags,
			},
		},
		Action: runDaemon,
		Flags:  []cli.Flag{configFlag, keepBootsFlag},
	}
}
