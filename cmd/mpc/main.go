// Command mpc is the Map Processing Core's CLI: `dumpmap`, `loadmap`,
// `loadmappkgs`, `processupdates`. Like the teacher's cmd/cc-backend, this
// is a single flag-based binary with no cobra/spf13 dependency — spec.md
// §6.3 names these as the package-io surface, with the three exit codes
// `scheduler.ExitCode` computes.
package main

import (
	"fmt"
	"os"

	"github.com/c3nav/mpc/pkg/log"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	subcommand, args := os.Args[1], os.Args[2:]
	var err error
	switch subcommand {
	case "dumpmap":
		err = runDumpMap(args)
	case "loadmap":
		err = runLoadMap(args)
	case "loadmappkgs":
		err = runLoadMapPkgs(args)
	case "processupdates":
		os.Exit(runProcessUpdates(args))
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Errorf("mpc %s: %v", subcommand, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mpc <command> [flags]

commands:
  dumpmap         write the store's entities of the known kinds as a JSON array
  loadmap         insert or update the store's entities from a JSON file
  loadmappkgs     load a comma-separated list of JSON entity-dump files, one map update each
  processupdates  run one scheduler sweep over pending map updates`)
}
