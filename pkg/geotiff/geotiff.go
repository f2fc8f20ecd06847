// Package geotiff writes uncompressed RGBA GeoTIFF files.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"io"
	"math"
	"slices"

	"github.com/paulmach/orb"
)

// TIFF field types
const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// Baseline and GeoTIFF tags
const (
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagImageDescription          = 270
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagXResolution               = 282
	TagYResolution               = 283
	TagResolutionUnit            = 296
	TagDateTime                  = 306
	TagExtraSamples              = 338
	TagModelPixelScale           = 33550
	TagModelTiepoint             = 33922
	TagGeoKeyDirectory           = 34735
)

const headerSize = 8

var order = binary.LittleEndian

type field struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Encode writes img as a single strip RGBA TIFF. Values of extra may be
// []uint16, []uint32, []float64 or string.
func Encode(w io.Writer, img image.Image, extra map[uint16]any) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("empty image")
	}

	rgba, ok := img.(*image.NRGBA)
	if !ok || rgba.Stride != 4*width {
		rgba = image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	pixels := rgba.Pix[:4*width*height]

	fields := []field{
		long(TagImageWidth, uint32(width)),
		long(TagImageLength, uint32(height)),
		shorts(TagBitsPerSample, 8, 8, 8, 8),
		shorts(TagCompression, 1),
		shorts(TagPhotometricInterpretation, 2),
		shorts(TagSamplesPerPixel, 4),
		long(TagRowsPerStrip, uint32(height)),
		rational(TagXResolution, 72, 1),
		rational(TagYResolution, 72, 1),
		shorts(TagResolutionUnit, 2),
		// unassociated alpha
		shorts(TagExtraSamples, 2),
		long(TagStripOffsets, 0),
		long(TagStripByteCounts, uint32(len(pixels))),
	}
	for tag, v := range extra {
		f, err := extraField(tag, v)
		if err != nil {
			return err
		}
		fields = append(fields, f)
	}
	slices.SortFunc(fields, func(a, b field) int { return int(a.tag) - int(b.tag) })

	// layout: header, IFD, out of line values, pixels
	ifdSize := 2 + 12*len(fields) + 4
	var values bytes.Buffer
	offsets := make([][4]byte, len(fields))
	for i, f := range fields {
		if len(f.data) <= 4 {
			copy(offsets[i][:], f.data)
			continue
		}
		order.PutUint32(offsets[i][:], uint32(headerSize+ifdSize+values.Len()))
		values.Write(f.data)
		if values.Len()%2 == 1 {
			values.WriteByte(0)
		}
	}
	pixelOffset := uint32(headerSize + ifdSize + values.Len())
	for i, f := range fields {
		if f.tag == TagStripOffsets {
			order.PutUint32(offsets[i][:], pixelOffset)
		}
	}

	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0})
	_ = binary.Write(&buf, order, uint32(headerSize))
	_ = binary.Write(&buf, order, uint16(len(fields)))
	for i, f := range fields {
		_ = binary.Write(&buf, order, f.tag)
		_ = binary.Write(&buf, order, f.typ)
		_ = binary.Write(&buf, order, f.count)
		buf.Write(offsets[i][:])
	}
	_ = binary.Write(&buf, order, uint32(0))
	buf.Write(values.Bytes())

	if _, err := buf.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(pixels)
	return err
}

// Georeference places an image on the map
type Georeference struct {
	// Bound is the footprint of the image in the EPSG system
	Bound       orb.Bound
	EPSG        uint16
	Description string
	DateTime    string
}

// EncodeGeoreferenced writes img with the tie point, pixel scale and key
// directory locating it in ref.EPSG
func EncodeGeoreferenced(w io.Writer, img image.Image, ref Georeference) error {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return fmt.Errorf("empty image")
	}
	scaleX := (ref.Bound.Max.X() - ref.Bound.Min.X()) / float64(b.Dx())
	scaleY := (ref.Bound.Max.Y() - ref.Bound.Min.Y()) / float64(b.Dy())

	extra := map[uint16]any{
		TagModelTiepoint:   []float64{0, 0, 0, ref.Bound.Min.X(), ref.Bound.Max.Y(), 0},
		TagModelPixelScale: []float64{scaleX, scaleY, 0},
		TagGeoKeyDirectory: geoKeys(ref.EPSG),
	}
	if ref.Description != "" {
		extra[TagImageDescription] = ref.Description
	}
	if ref.DateTime != "" {
		extra[TagDateTime] = ref.DateTime
	}
	return Encode(w, img, extra)
}

// geoKeys describes a geographic (4326) or projected system
func geoKeys(epsg uint16) []uint16 {
	if epsg == 4326 {
		return []uint16{
			1, 1, 0, 3,
			1024, 0, 1, 2, // GTModelType geographic
			1025, 0, 1, 1, // GTRasterType pixel is area
			2048, 0, 1, 4326,
		}
	}
	return []uint16{
		1, 1, 0, 4,
		1024, 0, 1, 1, // GTModelType projected
		1025, 0, 1, 1,
		3072, 0, 1, epsg,
		3076, 0, 1, 9001, // metre
	}
}

func extraField(tag uint16, v any) (field, error) {
	switch v := v.(type) {
	case []uint16:
		return shorts(tag, v...), nil
	case []uint32:
		data := make([]byte, 4*len(v))
		for i, x := range v {
			order.PutUint32(data[4*i:], x)
		}
		return field{tag: tag, typ: typeLong, count: uint32(len(v)), data: data}, nil
	case []float64:
		data := make([]byte, 8*len(v))
		for i, x := range v {
			order.PutUint64(data[8*i:], math.Float64bits(x))
		}
		return field{tag: tag, typ: typeDouble, count: uint32(len(v)), data: data}, nil
	case string:
		data := append([]byte(v), 0)
		return field{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}, nil
	default:
		return field{}, fmt.Errorf("unsupported value %T for tag %d", v, tag)
	}
}

func shorts(tag uint16, vs ...uint16) field {
	data := make([]byte, 2*len(vs))
	for i, v := range vs {
		order.PutUint16(data[2*i:], v)
	}
	return field{tag: tag, typ: typeShort, count: uint32(len(vs)), data: data}
}

func long(tag uint16, v uint32) field {
	data := make([]byte, 4)
	order.PutUint32(data, v)
	return field{tag: tag, typ: typeLong, count: 1, data: data}
}

func rational(tag uint16, num, den uint32) field {
	data := make([]byte, 8)
	order.PutUint32(data, num)
	order.PutUint32(data[4:], den)
	return field{tag: tag, typ: typeRational, count: 1, data: data}
}
