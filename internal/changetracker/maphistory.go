package changetracker

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c3nav/mpc/internal/geo"
	"github.com/c3nav/mpc/internal/mapdata"
	"github.com/paulmach/orb"
)

// mapHistoryMagic/mapHistoryVersion identify the encoded format (spec.md
// §9's versioned binary-artifact design note). The header holds no schema
// hash; a layout change is detected only through mapHistoryVersion.
const (
	mapHistoryMagic   uint32 = 0x4d484953 // "MHIS"
	mapHistoryVersion uint16 = 1
)

// Bitmap is the map-history bitmap format of spec.md §6.5: one byte per
// cache-resolution tile holding the low byte of the most recent mapupdate
// id that touched that tile. Origin/TileSize/Cols/Rows locate the grid in
// level coordinates.
type Bitmap struct {
	LevelID  mapdata.ID
	Layer    int
	OriginX  float64
	OriginY  float64
	TileSize float64
	Cols     int
	Rows     int
	Tiles    []byte // row-major, len == Cols*Rows
}

// NewBitmap allocates a zeroed bitmap covering bound at the given
// resolution.
func NewBitmap(levelID mapdata.ID, layer int, bound orb.Bound, tileSize float64) *Bitmap {
	cols := int((bound.Max[0]-bound.Min[0])/tileSize) + 1
	rows := int((bound.Max[1]-bound.Min[1])/tileSize) + 1
	return &Bitmap{
		LevelID:  levelID,
		Layer:    layer,
		OriginX:  bound.Min[0],
		OriginY:  bound.Min[1],
		TileSize: tileSize,
		Cols:     cols,
		Rows:     rows,
		Tiles:    make([]byte, cols*rows),
	}
}

// Paint marks every tile whose center falls inside region with updateID's
// low byte (spec.md §6.5: "produced by C8 via composition with per-level
// crop masks" — region is the crop-mask-intersected affected area for one
// sublevel, passed in by the caller that owns that composition).
func (b *Bitmap) Paint(region orb.MultiPolygon, updateID mapdata.ID) {
	tag := byte(updateID)
	for row := 0; row < b.Rows; row++ {
		cy := b.OriginY + (float64(row)+0.5)*b.TileSize
		for col := 0; col < b.Cols; col++ {
			cx := b.OriginX + (float64(col)+0.5)*b.TileSize
			center := orb.Point{cx, cy}
			for _, poly := range region {
				if geo.PointInPolygon(center, poly) {
					b.Tiles[row*b.Cols+col] = tag
					break
				}
			}
		}
	}
}

// PaintAll marks every tile, used when a level was force-invalidated.
func (b *Bitmap) PaintAll(updateID mapdata.ID) {
	tag := byte(updateID)
	for i := range b.Tiles {
		b.Tiles[i] = tag
	}
}

// At returns the tag for the tile containing p, and whether p falls within
// the bitmap's grid at all.
func (b *Bitmap) At(p orb.Point) (byte, bool) {
	col := int((p[0] - b.OriginX) / b.TileSize)
	row := int((p[1] - b.OriginY) / b.TileSize)
	if col < 0 || row < 0 || col >= b.Cols || row >= b.Rows {
		return 0, false
	}
	return b.Tiles[row*b.Cols+col], true
}

// Encode writes the versioned, length-prefixed binary format: a fixed
// header (magic, version, level, layer, geometry) followed by the raw tile
// bytes. The header's own length is implicit in its fixed field widths, so
// a reader can validate the magic/version before trusting anything after.
func (b *Bitmap) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, mapHistoryMagic)
	binary.Write(&buf, binary.LittleEndian, mapHistoryVersion)
	binary.Write(&buf, binary.LittleEndian, int64(b.LevelID))
	binary.Write(&buf, binary.LittleEndian, int32(b.Layer))
	binary.Write(&buf, binary.LittleEndian, b.OriginX)
	binary.Write(&buf, binary.LittleEndian, b.OriginY)
	binary.Write(&buf, binary.LittleEndian, b.TileSize)
	binary.Write(&buf, binary.LittleEndian, int32(b.Cols))
	binary.Write(&buf, binary.LittleEndian, int32(b.Rows))
	buf.Write(b.Tiles)
	return buf.Bytes()
}

// DecodeBitmap reverses Encode, rejecting unknown magic/version so a stale
// or foreign artifact is detected before its bytes are trusted.
func DecodeBitmap(data []byte) (*Bitmap, error) {
	r := bytes.NewReader(data)
	var magic uint32
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("changetracker: reading magic: %w", err)
	}
	if magic != mapHistoryMagic {
		return nil, fmt.Errorf("changetracker: bad magic %x, not a map-history bitmap", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("changetracker: reading version: %w", err)
	}
	if version != mapHistoryVersion {
		return nil, fmt.Errorf("changetracker: unsupported map-history version %d", version)
	}

	b := &Bitmap{}
	var levelID int64
	var layer, cols, rows int32
	for _, field := range []interface{}{&levelID, &layer, &b.OriginX, &b.OriginY, &b.TileSize, &cols, &rows} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, fmt.Errorf("changetracker: reading header: %w", err)
		}
	}
	b.LevelID = mapdata.ID(levelID)
	b.Layer = int(layer)
	b.Cols = int(cols)
	b.Rows = int(rows)

	b.Tiles = make([]byte, b.Cols*b.Rows)
	if _, err := r.Read(b.Tiles); err != nil {
		return nil, fmt.Errorf("changetracker: reading tiles: %w", err)
	}
	return b, nil
}
