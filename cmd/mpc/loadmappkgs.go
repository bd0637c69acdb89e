package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/c3nav/mpc/internal/mapdata"
)

// runLoadMapPkgs loads a comma-separated list of JSON entity-dump files,
// one geometry map update per file, in the order given — modeled on the
// teacher's comma-separated --import-job handling in cmd/cc-backend, but
// without its meta+data file pairing since an entity dump is self
// contained.
func runLoadMapPkgs(args []string) error {
	fs := flag.NewFlagSet("loadmappkgs", flag.ExitOnError)
	dbPath := fs.String("db", "mpc.db", "path to the sqlite3 map-data store")
	files := fs.String("files", "", "comma-separated list of JSON entity-dump files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *files == "" {
		return fmt.Errorf("loadmappkgs: -files is required")
	}

	s, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("loadmappkgs: %w", err)
	}
	defer s.Close()

	for _, path := range strings.Split(*files, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := readAll(path)
		if err != nil {
			return fmt.Errorf("loadmappkgs: %s: %w", path, err)
		}
		dumps, err := decodeDump(data)
		if err != nil {
			return fmt.Errorf("loadmappkgs: %s: %w", path, err)
		}
		mapUpdateID, err := s.InsertMapUpdate(mapdata.MapUpdateGeometry, data)
		if err != nil {
			return fmt.Errorf("loadmappkgs: %s: %w", path, err)
		}
		if err := loadDumps(s, mapUpdateID, dumps); err != nil {
			return fmt.Errorf("loadmappkgs: %s: %w", path, err)
		}
	}
	return nil
}
