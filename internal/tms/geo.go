package tms

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Web Mercator latitude limit
const maxLatitude = 85.05112877980659

// Bound returns the WGS84 bound of the tile
func (a Address) Bound() orb.Bound {
	return a.Tile().Bound()
}

// At returns the address of the tile containing lat/lon at zoom.
// Coordinates outside the mercator square are clamped to the edge tiles.
func At(lat, lon float64, zoom uint32, origin Origin) Address {
	n := math.Exp2(float64(zoom))
	lat = clamp(lat, -maxLatitude, maxLatitude)
	lon = clamp(lon, -180, 180)

	x := int64((lon + 180.0) / 360.0 * n)
	latRad := lat * math.Pi / 180.0
	y := int64((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)

	maxTile := int64(n) - 1
	return Address{
		Zoom:   zoom,
		Column: uint32(clamp(x, 0, maxTile)),
		Row:    uint32(clamp(y, 0, maxTile)),
		Origin: origin,
	}
}

// CoverBound returns every tile at zoom that intersects the WGS84 bound,
// row by row from the north west corner
func CoverBound(bound orb.Bound, zoom uint32, origin Origin) []Address {
	nw := At(bound.Max.Lat(), bound.Min.Lon(), zoom, origin)
	se := At(bound.Min.Lat(), bound.Max.Lon(), zoom, origin)

	tiles := make([]Address, 0, int(se.Column-nw.Column+1)*int(se.Row-nw.Row+1))
	for row := nw.Row; row <= se.Row; row++ {
		for col := nw.Column; col <= se.Column; col++ {
			tiles = append(tiles, Address{Zoom: zoom, Column: col, Row: row, Origin: origin})
		}
	}
	return tiles
}

// Batch groups addresses for concurrent processing
func Batch(tiles []Address, batchSize int) [][]Address {
	if batchSize <= 0 {
		batchSize = 10
	}

	batches := make([][]Address, 0, (len(tiles)+batchSize-1)/batchSize)
	for i := 0; i < len(tiles); i += batchSize {
		end := min(i+batchSize, len(tiles))
		batches = append(batches, tiles[i:end])
	}
	return batches
}

// MetersPerPixel returns the approximate ground resolution of a 256px tile at zoom
func MetersPerPixel(zoom uint32) float64 {
	const equator = 40075016.685578
	return equator / (256 * math.Exp2(float64(zoom)))
}

// TileAt converts an orb maptile back into an address
func TileAt(t maptile.Tile, origin Origin) Address {
	return Address{Zoom: uint32(t.Z), Column: t.X, Row: t.Y, Origin: origin}
}

func clamp[T int64 | float64](val, lo, hi T) T {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
