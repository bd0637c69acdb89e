package main

import (
	"flag"
	"fmt"
	"os"
)

// runDumpMap writes the store's entities of every kind in knownKinds to a
// JSON file, grouped by kind — the inverse of runLoadMap.
func runDumpMap(args []string) error {
	fs := flag.NewFlagSet("dumpmap", flag.ExitOnError)
	dbPath := fs.String("db", "mpc.db", "path to the sqlite3 map-data store")
	out := fs.String("out", "-", "output file, or - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("dumpmap: %w", err)
	}
	defer s.Close()

	dumps, err := dumpAllEntities(s)
	if err != nil {
		return fmt.Errorf("dumpmap: %w", err)
	}
	data, err := encodeDump(dumps)
	if err != nil {
		return fmt.Errorf("dumpmap: %w", err)
	}
	data = append(data, '\n')

	if *out == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o644)
}
