package common

import (
	"image"

	"tile-pipeline/internal/tms"
)

// Result is the artifact delivered for a tile request: a Raster or a Mesh
type Result interface {
	// Source is the address of the tile that was actually fetched
	Source() tms.Address
	isResult()
}

// Raster is a color tile. Pitch locates the requested tile inside Image when
// an ancestor was fetched.
type Raster struct {
	Image   image.Image
	Pitch   tms.Pitch
	Fetched tms.Address
	// Features is the number of features drawn, zero for bitmap layers
	Features int
}

func (r Raster) Source() tms.Address { return r.Fetched }
func (Raster) isResult()             {}

// WithPitch returns a copy of r positioned for another requester
func (r Raster) WithPitch(p tms.Pitch) Raster {
	r.Pitch = p
	return r
}

// Mesh is a geometry tile, converted by the layer's mesh converter
type Mesh struct {
	Asset    any
	Features int
	Fetched  tms.Address
}

func (m Mesh) Source() tms.Address { return m.Fetched }
func (Mesh) isResult()             {}

// Empty reports whether no feature survived decoding
func (m Mesh) Empty() bool {
	return m.Features == 0
}

// TileResult is the outcome of one tile of a batch operation
type TileResult struct {
	Address tms.Address
	Result  Result
	Err     error
	// Index preserves the original order for async operations
	Index int
}
