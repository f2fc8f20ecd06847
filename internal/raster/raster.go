// Package raster draws vector features into tile images and crops fetched
// tiles for requesters that fell back to an ancestor.
package raster

import (
	"image"
	"image/color"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"tile-pipeline/internal/tms"
)

// TileSize is the edge of rendered tiles in pixels
const TileSize = 256

// Style is the paint applied to one feature
type Style struct {
	Fill        color.NRGBA
	Stroke      color.NRGBA
	StrokeWidth float64
	PointRadius float64
}

// DefaultStyle draws features in a translucent orange
var DefaultStyle = Style{
	Fill:        color.NRGBA{R: 255, G: 165, B: 0, A: 128},
	Stroke:      color.NRGBA{R: 255, G: 165, B: 0, A: 255},
	StrokeWidth: 1,
	PointRadius: 2,
}

// StyleFunc resolves the style of a feature from its properties
type StyleFunc func(props geojson.Properties) Style

// Empty returns a fully transparent tile
func Empty(size int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, size, size))
}

// Rasterize draws features, in slice order, into a size x size image covering
// extent. Feature coordinates must be in the same reference system as extent.
func Rasterize(features []*geojson.Feature, extent orb.Bound, size int, style StyleFunc) *image.NRGBA {
	dst := Empty(size)
	if len(features) == 0 || extent.Max.X() <= extent.Min.X() || extent.Max.Y() <= extent.Min.Y() {
		return dst
	}
	if style == nil {
		style = func(geojson.Properties) Style { return DefaultStyle }
	}

	c := &canvas{
		dst:    dst,
		z:      vector.NewRasterizer(size, size),
		size:   size,
		extent: extent,
		sx:     float64(size) / (extent.Max.X() - extent.Min.X()),
		sy:     float64(size) / (extent.Max.Y() - extent.Min.Y()),
	}
	for _, f := range features {
		if f == nil || f.Geometry == nil {
			continue
		}
		c.draw(f.Geometry, style(f.Properties))
	}
	return dst
}

type canvas struct {
	dst    *image.NRGBA
	z      *vector.Rasterizer
	size   int
	extent orb.Bound
	sx, sy float64
}

// pixel maps a point of the extent to image space, y pointing down
func (c *canvas) pixel(p orb.Point) (float32, float32) {
	x := (p.X() - c.extent.Min.X()) * c.sx
	y := (c.extent.Max.Y() - p.Y()) * c.sy
	return float32(x), float32(y)
}

func (c *canvas) draw(g orb.Geometry, s Style) {
	switch g := g.(type) {
	case orb.Point:
		c.point(g, s)
	case orb.MultiPoint:
		for _, p := range g {
			c.point(p, s)
		}
	case orb.LineString:
		c.stroke([]orb.LineString{g}, s)
	case orb.MultiLineString:
		c.stroke(g, s)
	case orb.Ring:
		c.polygon(orb.Polygon{g}, s)
	case orb.Polygon:
		c.polygon(g, s)
	case orb.MultiPolygon:
		for _, p := range g {
			c.polygon(p, s)
		}
	case orb.Bound:
		c.polygon(g.ToPolygon(), s)
	case orb.Collection:
		for _, sub := range g {
			c.draw(sub, s)
		}
	}
}

func (c *canvas) polygon(p orb.Polygon, s Style) {
	if s.Fill.A > 0 {
		c.z.Reset(c.size, c.size)
		for _, ring := range p {
			if len(ring) < 3 {
				continue
			}
			c.z.MoveTo(c.pixel(ring[0]))
			for _, pt := range ring[1:] {
				c.z.LineTo(c.pixel(pt))
			}
			c.z.ClosePath()
		}
		c.paint(s.Fill)
	}

	lines := make([]orb.LineString, 0, len(p))
	for _, ring := range p {
		lines = append(lines, orb.LineString(ring))
	}
	c.stroke(lines, s)
}

// stroke draws every segment as a quad of the stroke width. Each quad is
// built in the frame of its segment so all of them wind the same way and
// overlapping quads never cancel out.
func (c *canvas) stroke(lines []orb.LineString, s Style) {
	if s.Stroke.A == 0 || s.StrokeWidth <= 0 {
		return
	}
	half := s.StrokeWidth / 2

	c.z.Reset(c.size, c.size)
	for _, line := range lines {
		for i := 1; i < len(line); i++ {
			ax, ay := c.pixel(line[i-1])
			bx, by := c.pixel(line[i])
			dx, dy := float64(bx-ax), float64(by-ay)
			length := math.Hypot(dx, dy)
			if length == 0 {
				continue
			}
			nx, ny := float32(-dy/length*half), float32(dx/length*half)
			c.z.MoveTo(ax+nx, ay+ny)
			c.z.LineTo(bx+nx, by+ny)
			c.z.LineTo(bx-nx, by-ny)
			c.z.LineTo(ax-nx, ay-ny)
			c.z.ClosePath()
		}
	}
	c.paint(s.Stroke)
}

func (c *canvas) point(p orb.Point, s Style) {
	col := s.Fill
	if col.A == 0 {
		col = s.Stroke
	}
	if col.A == 0 || s.PointRadius <= 0 {
		return
	}
	x, y := c.pixel(p)
	r := float32(s.PointRadius)

	c.z.Reset(c.size, c.size)
	c.z.MoveTo(x-r, y-r)
	c.z.LineTo(x+r, y-r)
	c.z.LineTo(x+r, y+r)
	c.z.LineTo(x-r, y+r)
	c.z.ClosePath()
	c.paint(col)
}

func (c *canvas) paint(col color.NRGBA) {
	c.z.Draw(c.dst, c.dst.Bounds(), image.NewUniform(col), image.Point{})
}

// Premultiply returns img with its color channels premultiplied by alpha,
// the form compositing with draw.Over expects
func Premultiply(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// Crop returns the part of img selected by p, upsampled to size x size with
// nearest neighbor scaling. The identity pitch returns a resized copy.
func Crop(img image.Image, p tms.Pitch, size int) *image.NRGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	sr := image.Rect(
		b.Min.X+int(math.Floor(p.OffsetX*w)),
		b.Min.Y+int(math.Floor(p.OffsetY*h)),
		b.Min.X+int(math.Ceil((p.OffsetX+p.ScaleX)*w)),
		b.Min.Y+int(math.Ceil((p.OffsetY+p.ScaleY)*h)),
	).Intersect(b)

	dst := Empty(size)
	if sr.Empty() {
		return dst
	}
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, sr, draw.Src, nil)
	return dst
}
