package layer

import (
	"cmp"
	"fmt"

	"github.com/paulmach/orb/geojson"
)

// Comparator orders features for drawing, the lowest first
type Comparator func(a, b *geojson.Feature) int

// SortSpec orders features by one property
type SortSpec struct {
	Property   string `yaml:"property" json:"property"`
	Descending bool   `yaml:"descending" json:"descending"`
}

// Comparator builds the ordering. Numbers sort before strings and features
// missing the property sort last whatever the direction.
func (s SortSpec) Comparator() Comparator {
	return func(a, b *geojson.Feature) int {
		va, okA := sortKey(a, s.Property)
		vb, okB := sortKey(b, s.Property)
		switch {
		case !okA && !okB:
			return 0
		case !okA:
			return 1
		case !okB:
			return -1
		}
		c := compareValues(va, vb)
		if s.Descending {
			return -c
		}
		return c
	}
}

func sortKey(f *geojson.Feature, property string) (any, bool) {
	if f == nil || f.Properties == nil {
		return nil, false
	}
	v, ok := f.Properties[property]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func compareValues(a, b any) int {
	fa, numA := toFloat(a)
	fb, numB := toFloat(b)
	switch {
	case numA && numB:
		return cmp.Compare(fa, fb)
	case numA:
		return -1
	case numB:
		return 1
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
