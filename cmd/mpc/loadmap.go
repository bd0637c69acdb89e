package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/c3nav/mpc/internal/mapdata"
)

// runLoadMap inserts or updates the store's entities from a single JSON
// entity-dump file (entities not in the file are left unchanged), all
// under one new geometry map update so downstream
// jobs (altitude, render, ancestry, locator) see it as a single change.
func runLoadMap(args []string) error {
	fs := flag.NewFlagSet("loadmap", flag.ExitOnError)
	dbPath := fs.String("db", "mpc.db", "path to the sqlite3 map-data store")
	in := fs.String("in", "-", "input file, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("loadmap: %w", err)
	}
	defer s.Close()

	data, err := readAll(*in)
	if err != nil {
		return fmt.Errorf("loadmap: %w", err)
	}
	dumps, err := decodeDump(data)
	if err != nil {
		return fmt.Errorf("loadmap: %w", err)
	}

	mapUpdateID, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, data)
	if err != nil {
		return fmt.Errorf("loadmap: %w", err)
	}
	if err := loadDumps(s, mapUpdateID, dumps); err != nil {
		return fmt.Errorf("loadmap: %w", err)
	}
	return nil
}

func readAll(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
