package spatial

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// CoverageSet tracks which shard identifiers (S2 cell IDs or Morton
// prefixes truncated to a shard width) a spatial backfill or scrub pass
// has already visited, mirroring ethdb/bitmapdb/dbutils.go's use of a
// roaring bitmap as a compact, mergeable "which IDs have I seen" set
// instead of a Go map of uint64.
type CoverageSet struct {
	bitmap *roaring64.Bitmap
}

func NewCoverageSet() *CoverageSet {
	return &CoverageSet{bitmap: roaring64.New()}
}

func (c *CoverageSet) Add(shardID uint64) { c.bitmap.Add(shardID) }

func (c *CoverageSet) Contains(shardID uint64) bool { return c.bitmap.Contains(shardID) }

func (c *CoverageSet) Merge(other *CoverageSet) { c.bitmap.Or(other.bitmap) }

func (c *CoverageSet) Cardinality() uint64 { return c.bitmap.GetCardinality() }

// Serialize returns the roaring-compressed encoding for persistence.
func (c *CoverageSet) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.bitmap.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DeserializeCoverageSet(data []byte) (*CoverageSet, error) {
	bm := roaring64.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &CoverageSet{bitmap: bm}, nil
}
