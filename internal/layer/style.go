package layer

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/paulmach/orb/geojson"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/raster"
)

// PaintSpec is a partial style; empty fields keep the value set before them
type PaintSpec struct {
	Fill        string   `yaml:"fill" json:"fill"`
	FillOpacity *float64 `yaml:"fillOpacity" json:"fillOpacity"`
	Stroke      string   `yaml:"stroke" json:"stroke"`
	StrokeWidth *float64 `yaml:"strokeWidth" json:"strokeWidth"`
	PointRadius *float64 `yaml:"pointRadius" json:"pointRadius"`
}

// StyleRule applies its paint to features matching When (a CEL expression)
type StyleRule struct {
	When      string `yaml:"when" json:"when"`
	PaintSpec `yaml:",inline"`
}

// StyleSpec describes how color layers paint features.
//
// Paint is resolved in order: the layer defaults, the simplestyle properties of
// the feature ("fill", "fill-opacity", "stroke", "stroke-width") unless
// IgnoreFeatureStyle is set, then every matching rule in declaration order.
type StyleSpec struct {
	PaintSpec          `yaml:",inline"`
	IgnoreFeatureStyle bool        `yaml:"ignoreFeatureStyle" json:"ignoreFeatureStyle"`
	Rules              []StyleRule `yaml:"rules" json:"rules"`
}

type paint struct {
	fill        *color.NRGBA
	fillOpacity *float64
	stroke      *color.NRGBA
	strokeWidth *float64
	pointRadius *float64
}

func (p PaintSpec) compile() (paint, error) {
	out := paint{
		fillOpacity: p.FillOpacity,
		strokeWidth: p.StrokeWidth,
		pointRadius: p.PointRadius,
	}
	if p.Fill != "" {
		c, err := ParseColor(p.Fill)
		if err != nil {
			return paint{}, err
		}
		out.fill = &c
	}
	if p.Stroke != "" {
		c, err := ParseColor(p.Stroke)
		if err != nil {
			return paint{}, err
		}
		out.stroke = &c
	}
	return out, nil
}

func (p paint) apply(s *raster.Style) {
	if p.fill != nil {
		s.Fill = *p.fill
	}
	if p.stroke != nil {
		s.Stroke = *p.stroke
	}
	if p.fillOpacity != nil {
		s.Fill.A = uint8(clampUnit(*p.fillOpacity) * 255)
	}
	if p.strokeWidth != nil {
		s.StrokeWidth = *p.strokeWidth
	}
	if p.pointRadius != nil {
		s.PointRadius = *p.pointRadius
	}
}

type compiledRule struct {
	when  cel.Program
	paint paint
}

// StyleFunc compiles the style rules into a per feature style lookup
func (s StyleSpec) StyleFunc() (raster.StyleFunc, error) {
	base, err := s.PaintSpec.compile()
	if err != nil {
		return nil, err
	}

	rules := make([]compiledRule, 0, len(s.Rules))
	for i, r := range s.Rules {
		if r.When == "" {
			return nil, fmt.Errorf("%w: style rule %d has no condition", common.ErrConfiguration, i)
		}
		prg, err := compileBool(r.When)
		if err != nil {
			return nil, err
		}
		p, err := r.PaintSpec.compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiledRule{when: prg, paint: p})
	}

	ignoreFeature := s.IgnoreFeatureStyle
	return func(props geojson.Properties) raster.Style {
		style := raster.DefaultStyle
		base.apply(&style)
		if !ignoreFeature {
			featurePaint(props).apply(&style)
		}
		for _, r := range rules {
			if evalBool(r.when, props) {
				r.paint.apply(&style)
			}
		}
		return style
	}, nil
}

// featurePaint reads simplestyle properties; invalid values are ignored
func featurePaint(props geojson.Properties) paint {
	var p paint
	if props == nil {
		return p
	}
	if c, err := ParseColor(props.MustString("fill", "")); err == nil {
		p.fill = &c
	}
	if c, err := ParseColor(props.MustString("stroke", "")); err == nil {
		p.stroke = &c
	}
	if v, ok := toFloat(props["fill-opacity"]); ok {
		p.fillOpacity = &v
	}
	if v, ok := toFloat(props["stroke-width"]); ok {
		p.strokeWidth = &v
	}
	return p
}

// ParseColor parses #rgb, #rrggbb and #rrggbbaa colors
func ParseColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(hex) {
	case 3:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]}) + "ff"
	case 6:
		hex += "ff"
	case 8:
	default:
		return color.NRGBA{}, fmt.Errorf("%w: invalid color %q", common.ErrConfiguration, s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: invalid color %q", common.ErrConfiguration, s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func clampUnit(v float64) float64 {
	return min(max(v, 0), 1)
}
