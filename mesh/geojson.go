package mesh

import (
	"math"
	"os"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/pkg/errors"
)

// GeoJSON output uses the top-down plane of the reference camera: world X
// as the first coordinate and world Z as the second. Coordinates are scene
// units, not longitude and latitude.

// planePoint drops the vertical axis of a pose translation.
func planePoint(t Transform) orb.Point {
	c := t.Apply(r3.Vector{})
	return orb.Point{c.X, c.Z}
}

// TrajectoryLine returns the camera path over the included frames.
func TrajectoryLine(chain *PoseChain) orb.LineString {
	var ls orb.LineString
	for _, p := range chain.Trajectory() {
		ls = append(ls, orb.Point{p.X, p.Z})
	}
	return ls
}

// SimplifiedTrajectory returns the camera path reduced with Douglas-Peucker
// at tolerance. A tolerance <= 0 returns the full path.
func SimplifiedTrajectory(chain *PoseChain, tolerance float64) orb.LineString {
	ls := TrajectoryLine(chain)
	if tolerance <= 0 || len(ls) < 3 {
		return ls
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok {
		return ls
	}
	return simplified
}

// Footprint returns the convex hull of the cloud in the top-down plane, or
// nil when the points do not span an area.
func Footprint(pc *PointCloud) orb.Polygon {
	if pc.Len() < 3 {
		return nil
	}
	pts := make([]orb.Point, 0, pc.Len())
	for _, p := range pc.Points {
		if finite(p) {
			pts = append(pts, orb.Point{p.X, p.Z})
		}
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil
	}
	hull = append(hull, hull[0])
	return orb.Polygon{orb.Ring(hull)}
}

// TrajectoryFeatureCollection builds the run's GeoJSON: the simplified
// camera path, one point per frame in the chain (excluded frames flagged)
// and, when merged is non-empty, the footprint of the merged cloud.
func TrajectoryFeatureCollection(chain *PoseChain, merged *PointCloud, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if chain == nil {
		return fc
	}

	full := TrajectoryLine(chain)
	if len(full) > 1 {
		path := SimplifiedTrajectory(chain, tolerance)
		f := geojson.NewFeature(path)
		f.ID = "trajectory"
		f.Properties["runId"] = chain.RunID
		f.Properties["length"] = planar.Length(full)
		f.Properties["vertices"] = len(path)
		f.Properties["frames"] = len(full)
		fc.Append(f)
	}

	var prev orb.Point
	havePrev := false
	for _, p := range chain.Poses {
		pt := planePoint(p.Transform)
		f := geojson.NewFeature(pt)
		f.Properties["frame"] = p.Frame
		f.Properties["included"] = p.Included
		if p.Name != "" {
			f.Properties["name"] = p.Name
		}
		if p.Reason != "" {
			f.Properties["reason"] = p.Reason
		}
		if p.Included {
			if havePrev {
				f.Properties["step"] = planar.Distance(prev, pt)
			}
			prev, havePrev = pt, true
		}
		fc.Append(f)
	}

	if poly := Footprint(merged); poly != nil {
		f := geojson.NewFeature(poly)
		f.ID = "footprint"
		f.Properties["points"] = merged.Len()
		f.Properties["area"] = math.Abs(planar.Area(poly))
		fc.Append(f)
	}
	return fc
}

// SaveGeoJSON writes fc to path.
func SaveGeoJSON(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "encoding geojson")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(ErrIO, "writing %s: %v", path, err)
	}
	return nil
}

// convexHull computes the convex hull of a set of points using the monotone
// chain algorithm. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	// last point repeats the first
	return hull[:len(hull)-1]
}
