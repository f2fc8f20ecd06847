package tms

import (
	"strconv"
	"strings"
)

// Placeholders understood in URL templates. Both {z} and ${z} spellings work.
var placeholders = []string{"z", "x", "y", "-y", "quadkey"}

// URL substitutes the tile placeholders of template for addr.
//
//	{z} {x}    zoom and column
//	{y}        row in the layer's own convention
//	{-y}       row in the opposite convention
//	{quadkey}  Bing style quadkey
func URL(template string, addr Address) string {
	values := map[string]string{
		"z":       strconv.FormatUint(uint64(addr.Zoom), 10),
		"x":       strconv.FormatUint(uint64(addr.Column), 10),
		"y":       strconv.FormatUint(uint64(addr.SchemeRow()), 10),
		"-y":      strconv.FormatUint(uint64(FlipRow(addr.Zoom, addr.SchemeRow())), 10),
		"quadkey": addr.Quadkey(),
	}

	pairs := make([]string, 0, len(placeholders)*4)
	for _, name := range placeholders {
		v := values[name]
		pairs = append(pairs, "${"+name+"}", v, "{"+name+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// HasPlaceholders reports whether template addresses individual tiles
func HasPlaceholders(template string) bool {
	if strings.Contains(template, "{quadkey}") {
		return true
	}
	return strings.Contains(template, "{z}") &&
		strings.Contains(template, "{x}") &&
		(strings.Contains(template, "{y}") || strings.Contains(template, "{-y}"))
}

// Quadkey returns the Bing Maps quadkey of the tile
func (a Address) Quadkey() string {
	var quadkey strings.Builder
	for i := a.Zoom; i > 0; i-- {
		digit := byte('0')
		mask := uint32(1) << (i - 1)
		if a.Column&mask != 0 {
			digit++
		}
		if a.Row&mask != 0 {
			digit += 2
		}
		quadkey.WriteByte(digit)
	}
	return quadkey.String()
}
