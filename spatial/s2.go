package spatial

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// CellID returns the S2 cell containing (lat, lon) at the given level.
func CellID(lat, lon float64, level int) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon)).Parent(level)
}

// CoverRadius covers a disc of radiusMeters around (lat, lon) using
// S2RegionCoverer(minLevel=level-2, maxLevel=level, maxCells=8), per
// spec §4.7. maxCells is a fixed design parameter (spec §9): there is no
// API here to widen it, so very large or oddly-shaped query regions may
// get a coarser covering than a caller might want.
func CoverRadius(lat, lon, radiusMeters float64, level int) []s2.CellID {
	center := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	angle := s1.Angle(radiusMeters / earthRadiusMeters)
	capRegion := s2.CapFromCenterAngle(center, angle)
	return cover(capRegion, level)
}

// CoverBoundingBox covers a lat/lon rectangle the same way CoverRadius
// covers a disc.
func CoverBoundingBox(minLat, minLon, maxLat, maxLon float64, level int) []s2.CellID {
	rect := s2.RectFromLatLng(s2.LatLngFromDegrees(minLat, minLon))
	rect = rect.AddPoint(s2.LatLngFromDegrees(maxLat, maxLon))
	return cover(rect, level)
}

func cover(region s2.Region, level int) []s2.CellID {
	minLevel := level - 2
	if minLevel < 0 {
		minLevel = 0
	}
	coverer := &s2.RegionCoverer{MinLevel: minLevel, MaxLevel: level, MaxCells: 8}
	return coverer.Covering(region)
}

const earthRadiusMeters = 6371010.0

// CellRange returns the [begin, end) byte-key range a cell ID covers,
// per spec §4.7's "[cellID, cellID+0xFF)" convention: the cell's own
// leaf-aligned range start, and one past its range end.
func CellRange(id s2.CellID) (begin, end uint64) {
	r := id.RangeMin()
	e := id.RangeMax()
	return uint64(r), uint64(e) + 1
}
