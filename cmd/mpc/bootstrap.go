package main

import (
	"github.com/c3nav/mpc/internal/blobcache"
	"github.com/c3nav/mpc/internal/mpcconfig"
	"github.com/c3nav/mpc/internal/store"
)

func openStore(dbPath string) (*store.Store, error) {
	if err := mpcconfig.Init(".env"); err != nil {
		return nil, err
	}
	return store.Connect(dbPath)
}

func openBlobCache() (*blobcache.Cache, error) {
	return blobcache.New(mpcconfig.Keys.CacheRoot)
}
