// Package geometry contains the small set of 3D vector functions used to
// follow a stage along a toolpath.
//
// Positions are r3 vectors.  A coordinate may be NaN when the axis was not
// specified; such an axis contributes no displacement to any function here.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

// Vec is a point or a displacement in machine coordinates
type Vec = r3.Vector

// Unset returns a Vec with every axis unspecified
func Unset() Vec {
	nan := math.NaN()
	return Vec{X: nan, Y: nan, Z: nan}
}

// Complete returns true if no axis of v is NaN
func Complete(v Vec) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z)
}

// Fill replaces the unspecified axes of v with those of from
func Fill(v, from Vec) Vec {
	if math.IsNaN(v.X) {
		v.X = from.X
	}
	if math.IsNaN(v.Y) {
		v.Y = from.Y
	}
	if math.IsNaN(v.Z) {
		v.Z = from.Z
	}
	return v
}

func axisDelta(a, b float64) float64 {
	d := b - a
	if math.IsNaN(d) {
		return 0
	}
	return d
}

// Delta returns b-a, with zero displacement on any axis unset in either point
func Delta(a, b Vec) Vec {
	return Vec{X: axisDelta(a.X, b.X), Y: axisDelta(a.Y, b.Y), Z: axisDelta(a.Z, b.Z)}
}

// Distance is the euclidean distance between a and b
func Distance(a, b Vec) float64 {
	return Delta(a, b).Norm()
}

// Direction is the unit vector pointing from a to b, or the zero vector if
// the points coincide
func Direction(a, b Vec) Vec {
	return Delta(a, b).Normalize()
}

// AngleBetween returns the angle in radians between two directions.
// Directions that point apart (dot product <= 0) report zero, so only
// deviation while still travelling forward is measured.
func AngleBetween(v1, v2 Vec) float64 {
	dot := v1.Normalize().Dot(v2.Normalize())
	if dot <= 0 {
		return 0
	}
	if dot > 1 {
		dot = 1
	}
	return math.Acos(dot)
}

// Along returns the point dist units from origin in direction dir
func Along(origin, dir Vec, dist float64) Vec {
	return origin.Add(dir.Mul(dist))
}

// Deg converts degrees to radians
func Deg(d float64) float64 {
	return d * math.Pi / 180
}
