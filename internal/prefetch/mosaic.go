package prefetch

import (
	"fmt"
	"image"
	"image/draw"
	"io"

	"github.com/paulmach/orb"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/crs"
	"tile-pipeline/internal/raster"
	"tile-pipeline/internal/tms"
	"tile-pipeline/pkg/geotiff"
)

// Mosaic stitches the raster results of a prefetch into one image, tileSize
// pixels per tile. Missing or failed tiles stay transparent.
func Mosaic(results []common.TileResult, bounds common.TileBounds, tileSize int) (*image.NRGBA, int) {
	if tileSize <= 0 {
		tileSize = raster.TileSize
	}
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Cols()*tileSize, bounds.Rows()*tileSize))

	drawn := 0
	for _, res := range results {
		r, ok := res.Result.(common.Raster)
		if res.Err != nil || !ok || r.Image == nil {
			continue
		}
		tile := raster.Crop(r.Image, r.Pitch, tileSize)
		x := (res.Address.GetColumn() - bounds.MinCol) * tileSize
		y := (res.Address.GetRow() - bounds.MinRow) * tileSize
		draw.Draw(out, image.Rect(x, y, x+tileSize, y+tileSize), tile, image.Point{}, draw.Src)
		drawn++
	}
	return out, drawn
}

// MercatorBound returns the EPSG:3857 footprint of a tile range
func MercatorBound(bounds common.TileBounds, zoom uint32) (orb.Bound, error) {
	nw := tms.Address{Zoom: zoom, Column: uint32(bounds.MinCol), Row: uint32(bounds.MinRow)}
	se := tms.Address{Zoom: zoom, Column: uint32(bounds.MaxCol), Row: uint32(bounds.MaxRow)}
	wgs := nw.Bound().Union(se.Bound())
	return crs.Bound(crs.Default, wgs, crs.WGS84, crs.WebMercator)
}

// ExportGeoTIFF writes the mosaic of results as a Web Mercator GeoTIFF
func ExportGeoTIFF(w io.Writer, results []common.TileResult, bounds common.TileBounds, zoom uint32, description string) error {
	img, drawn := Mosaic(results, bounds, raster.TileSize)
	if drawn == 0 {
		return fmt.Errorf("no raster tile to export")
	}
	footprint, err := MercatorBound(bounds, zoom)
	if err != nil {
		return err
	}
	return geotiff.EncodeGeoreferenced(w, img, geotiff.Georeference{
		Bound:       footprint,
		EPSG:        3857,
		Description: description,
	})
}
