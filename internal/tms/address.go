package tms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest pyramid level an address may use
const MaxZoom = 30

// Origin tells whether row 0 of a tile scheme is the top or the bottom of the map
type Origin int

const (
	// OriginTop is the XYZ (Google/OSM) convention
	OriginTop Origin = iota
	// OriginBottom is the TMS convention
	OriginBottom
)

// ErrInvalidAddress is returned for addresses outside the pyramid
var ErrInvalidAddress = errors.New("invalid tile address")

// ParseOrigin parses "top" or "bottom"
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "top":
		return OriginTop, nil
	case "bottom":
		return OriginBottom, nil
	default:
		return OriginTop, fmt.Errorf("unknown tile origin %q", s)
	}
}

func (o Origin) String() string {
	if o == OriginBottom {
		return "bottom"
	}
	return "top"
}

// Address identifies a tile of a layer pyramid.
//
// Column and Row are counted from the top-left corner of the map whatever the
// layer scheme; Origin records how the server counts rows so URLs can be built
// with SchemeRow.
type Address struct {
	Zoom   uint32
	Column uint32
	Row    uint32
	Origin Origin
}

// NewAddress builds and validates an address
func NewAddress(zoom, column, row uint32, origin Origin) (Address, error) {
	a := Address{Zoom: zoom, Column: column, Row: row, Origin: origin}
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	return a, nil
}

// FromSchemeRow builds an address from a row counted in the origin's convention
func FromSchemeRow(zoom, column, schemeRow uint32, origin Origin) (Address, error) {
	if zoom > MaxZoom {
		return Address{}, fmt.Errorf("%w: zoom %d above %d", ErrInvalidAddress, zoom, MaxZoom)
	}
	row := schemeRow
	if origin == OriginBottom {
		size := uint32(1) << zoom
		if schemeRow >= size {
			return Address{}, fmt.Errorf("%w: row %d out of range for zoom %d", ErrInvalidAddress, schemeRow, zoom)
		}
		row = size - schemeRow - 1
	}
	return NewAddress(zoom, column, row, origin)
}

// Validate checks 0 <= row, column < 2^zoom
func (a Address) Validate() error {
	if a.Zoom > MaxZoom {
		return fmt.Errorf("%w: zoom %d above %d", ErrInvalidAddress, a.Zoom, MaxZoom)
	}
	size := uint64(1) << a.Zoom
	if uint64(a.Column) >= size || uint64(a.Row) >= size {
		return fmt.Errorf("%w: %s out of range for zoom %d", ErrInvalidAddress, a, a.Zoom)
	}
	return nil
}

// Valid reports whether Validate passes
func (a Address) Valid() bool {
	return a.Validate() == nil
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Zoom, a.Column, a.Row)
}

// SchemeRow returns the row as the server counts it
func (a Address) SchemeRow() uint32 {
	if a.Origin == OriginBottom {
		return FlipRow(a.Zoom, a.Row)
	}
	return a.Row
}

// FlipRow converts a row between top and bottom origin at zoom
func FlipRow(zoom, row uint32) uint32 {
	return (uint32(1) << zoom) - row - 1
}

// Tile returns the XYZ tile used to project tile local feature coordinates.
// It must describe the same footprint the URL was built for.
func (a Address) Tile() maptile.Tile {
	return maptile.New(a.Column, a.Row, maptile.Zoom(a.Zoom))
}

// AncestorAt returns the ancestor at level. A level at or deeper than the
// address zoom returns the address itself.
func (a Address) AncestorAt(level uint32) Address {
	if level >= a.Zoom {
		return a
	}
	shift := a.Zoom - level
	return Address{
		Zoom:   level,
		Column: a.Column >> shift,
		Row:    a.Row >> shift,
		Origin: a.Origin,
	}
}

// Pitch is the normalized sub rectangle of a fetched tile image that covers
// the requested tile. Offsets are measured from the top-left of the image.
type Pitch struct {
	OffsetX float64
	OffsetY float64
	ScaleX  float64
	ScaleY  float64
}

// IdentityPitch covers the whole fetched image
var IdentityPitch = Pitch{OffsetX: 0, OffsetY: 0, ScaleX: 1, ScaleY: 1}

// IsIdentity reports whether p covers the whole image
func (p Pitch) IsIdentity() bool {
	return p == IdentityPitch
}

// PitchIn returns where a lies inside ancestor. Rows are top origin so the
// vertical offset is already in image space for both conventions.
func (a Address) PitchIn(ancestor Address) Pitch {
	if ancestor.Zoom >= a.Zoom {
		return IdentityPitch
	}
	diff := a.Zoom - ancestor.Zoom
	scale := float64(uint64(1) << diff)
	mask := (uint32(1) << diff) - 1
	return Pitch{
		OffsetX: float64(a.Column&mask) / scale,
		OffsetY: float64(a.Row&mask) / scale,
		ScaleX:  1 / scale,
		ScaleY:  1 / scale,
	}
}

// ZoomRange is the inclusive range of levels a layer serves
type ZoomRange struct {
	Min uint32 `yaml:"min" json:"min"`
	Max uint32 `yaml:"max" json:"max"`
}

// DefaultZoomRange applies when a layer does not declare one
var DefaultZoomRange = ZoomRange{Min: 0, Max: 18}

// Contains reports whether z lies in the range
func (r ZoomRange) Contains(z uint32) bool {
	return r.Min <= z && z <= r.Max
}

// Resolution is the outcome of resolving a requested address against the
// level the caller needs
type Resolution struct {
	Requested Address
	Fetch     Address
	Pitch     Pitch
}

// Fallback reports whether an ancestor is fetched instead of the requested tile
func (r Resolution) Fallback() bool {
	return r.Fetch.Zoom != r.Requested.Zoom
}

// Resolve picks the tile to fetch. When targetLevel is coarser than the
// requested zoom the ancestor at targetLevel is fetched and the pitch locates
// the requested tile inside it.
func Resolve(addr Address, targetLevel uint32) Resolution {
	if targetLevel >= addr.Zoom {
		return Resolution{Requested: addr, Fetch: addr, Pitch: IdentityPitch}
	}
	ancestor := addr.AncestorAt(targetLevel)
	return Resolution{
		Requested: addr,
		Fetch:     ancestor,
		Pitch:     addr.PitchIn(ancestor),
	}
}

// InsideLimit reports whether the tile fetched for addr at targetLevel lies
// within the layer zoom range
func InsideLimit(addr Address, zoom ZoomRange, targetLevel uint32) bool {
	return zoom.Contains(Resolve(addr, targetLevel).Fetch.Zoom)
}

// GetRow implements common.Tile
func (a Address) GetRow() int {
	return int(a.Row)
}

// GetColumn implements common.Tile
func (a Address) GetColumn() int {
	return int(a.Column)
}
