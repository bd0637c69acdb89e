// Package blobcache is the filesystem blob cache (c3nav spec §6.2): a
// directory tree rooted at $CACHE_ROOT/<update_tuple_key>/, one file per
// (update tuple, job, key), written by atomic write-tmp-then-rename so
// concurrent readers never observe a partial file. Producers never mutate
// an existing key; a new update tuple gets its own directory.
//
// The atomic-publish idiom and the envelope's magic/version header follow
// internal/changetracker's map-history bitmap format directly — the same
// "versioned, length-prefixed binary format, reject on magic/version
// mismatch" design note from spec.md §9 generalized here to an envelope
// any artifact (render data, access-restriction bitset, locator snapshot)
// can be wrapped in, rather than one bitmap-specific struct.
package blobcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/c3nav/mpc/pkg/log"
)

// UpdateTuple identifies one cache directory: the base36-encoded last
// map-update id plus its timestamp (spec.md §6.2's "update_tuple_key =
// base36-encoded last-mapupdate id plus last-mapupdate timestamp").
type UpdateTuple struct {
	LastUpdateID        mapdata.ID
	LastUpdateTimestamp time.Time
}

// Key returns the directory name this tuple maps to.
func (t UpdateTuple) Key() string {
	return strconv.FormatInt(int64(t.LastUpdateID), 36) + "_" + strconv.FormatInt(t.LastUpdateTimestamp.Unix(), 36)
}

// Cache is a handle on one $CACHE_ROOT.
type Cache struct {
	Root string
}

// New returns a Cache rooted at root, creating it if necessary.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobcache: create root %s: %w", root, err)
	}
	return &Cache{Root: root}, nil
}

// RenderDataKey/AccessRestrictionKey/LocatorKey/MapHistoryKey build the
// filenames spec.md §6.2 names.
func RenderDataKey(levelID mapdata.ID, themeID *mapdata.ID) string {
	if themeID != nil {
		return fmt.Sprintf("render_data_level_%d_theme_%d.bin", levelID, *themeID)
	}
	return fmt.Sprintf("render_data_level_%d.bin", levelID)
}

func AccessRestrictionKey() string { return "access_restriction_affected.bin" }
func LocatorKey() string           { return "locator.bin" }
func MapHistoryKey(levelID mapdata.ID, layer int) string {
	return fmt.Sprintf("map_history_%d_%d.bin", levelID, layer)
}

func (c *Cache) dir(tuple UpdateTuple) string {
	return filepath.Join(c.Root, tuple.Key())
}

// Has reports whether key already exists under tuple. Keys are never
// mutated once published.
func (c *Cache) Has(tuple UpdateTuple, key string) bool {
	_, err := os.Stat(filepath.Join(c.dir(tuple), key))
	return err == nil
}

// Put publishes payload (already-encoded artifact bytes, typically via
// Encode below) under tuple/key, atomically: write to a temp file in the
// same directory, fsync, then rename over the final path. A concurrent
// reader opening key either sees nothing or the complete file, never a
// partial write.
func (c *Cache) Put(tuple UpdateTuple, key string, payload []byte) error {
	dir := c.dir(tuple)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobcache: mkdir %s: %w", dir, err)
	}
	final := filepath.Join(dir, key)
	tmp, err := os.CreateTemp(dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("blobcache: create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blobcache: write temp for %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blobcache: sync temp for %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blobcache: close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blobcache: publish %s: %w", key, err)
	}
	log.Debugf("blobcache: published %s/%s (%d bytes)", tuple.Key(), key, len(payload))
	return nil
}

// Get opens tuple/key for reading; readers never block on an in-progress
// Put, since Put never exposes a partial file at the final path.
func (c *Cache) Get(tuple UpdateTuple, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.dir(tuple), key))
	if err != nil {
		return nil, fmt.Errorf("blobcache: read %s/%s: %w", tuple.Key(), key, err)
	}
	return data, nil
}

const (
	envelopeMagic   uint32 = 0x4d504243 // "MPBC"
	envelopeVersion uint16 = 1
)

// Encode wraps payload in the versioned, length-prefixed envelope spec.md
// §9 calls for in place of the source's pickled artifacts: magic,
// version, a schema hash identifying the producing schema/version so a
// reader can detect a stale artifact before trusting its bytes, then the
// raw payload.
func Encode(schemaHash uint32, payload []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, envelopeMagic)
	binary.Write(&buf, binary.LittleEndian, envelopeVersion)
	binary.Write(&buf, binary.LittleEndian, schemaHash)
	binary.Write(&buf, binary.LittleEndian, int64(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// Decode reverses Encode, rejecting anything whose magic/version doesn't
// match or whose schema hash differs from wantSchemaHash.
func Decode(data []byte, wantSchemaHash uint32) ([]byte, error) {
	r := bytes.NewReader(data)
	var magic uint32
	var version uint16
	var schemaHash uint32
	var length int64
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("blobcache: reading magic: %w", err)
	}
	if magic != envelopeMagic {
		return nil, fmt.Errorf("blobcache: bad magic %x, not a blobcache envelope", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("blobcache: reading version: %w", err)
	}
	if version != envelopeVersion {
		return nil, fmt.Errorf("blobcache: unsupported envelope version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &schemaHash); err != nil {
		return nil, fmt.Errorf("blobcache: reading schema hash: %w", err)
	}
	if schemaHash != wantSchemaHash {
		return nil, fmt.Errorf("blobcache: schema hash mismatch: artifact was built by schema %x, want %x", schemaHash, wantSchemaHash)
	}
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("blobcache: reading length: %w", err)
	}
	payload := make([]byte, length)
	if _, err := r.Read(payload); err != nil {
		return nil, fmt.Errorf("blobcache: reading payload: %w", err)
	}
	return payload, nil
}
