package hnsw

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/turbodb/recordlayer/errs"
	"github.com/turbodb/recordlayer/kv"
	"github.com/turbodb/recordlayer/record"
	"github.com/turbodb/recordlayer/tuple"
)

// Maintainer is the HNSW graph maintainer of spec §4.8. Expr must
// evaluate to exactly one entry whose elements are the vector's
// coordinates; Dim fixes the expected dimensionality.
type Maintainer struct {
	Sub    tuple.Subspace
	Expr   record.Expression
	Dim    int
	Metric Metric
	Params Params

	// RandFloat sources U(0,1) draws for level assignment; defaults to
	// math/rand's global source when nil.
	RandFloat func() float64

	// Cache holds hot node metadata across transactions, invalidated
	// per-key on every write (spec §9: "in-process caches for hot nodes
	// are allowed but must be invalidated on commit boundaries" — here
	// invalidated eagerly on write instead, which is a stronger and
	// simpler guarantee).
	Cache cacheHandle
}

// cacheHandle is satisfied by *lru.Cache; kept as an interface so tests
// can run without one.
type cacheHandle interface {
	Add(key, value interface{}) bool
	Get(key interface{}) (interface{}, bool)
	Remove(key interface{})
}

func New(sub tuple.Subspace, expr record.Expression, dim int, metric Metric, params Params) *Maintainer {
	return &Maintainer{Sub: sub, Expr: expr, Dim: dim, Metric: metric, Params: params}
}

func (m *Maintainer) randFloat() float64 {
	if m.RandFloat != nil {
		return m.RandFloat()
	}
	return rand.Float64()
}

// assignLevel draws floor(-ln(U(0,1))*ml), clamped to >= 0 (spec §4.8).
func (m *Maintainer) assignLevel() int {
	u := m.randFloat()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	level := int(math.Floor(-math.Log(u) * m.Params.Ml))
	if level < 0 {
		level = 0
	}
	return level
}

// maxLevel returns the highest level with at least one node, or -1 if
// the graph is empty.
func (m *Maintainer) maxLevel(txn kv.Txn, entry tuple.Tuple) (int, error) {
	meta, ok, err := m.getNodeMeta(txn, entry)
	if err != nil || !ok {
		return -1, err
	}
	return meta.Level, nil
}

// UpdateIndex implements record.Maintainer.
func (m *Maintainer) UpdateIndex(old, new record.Record, access record.RecordAccess, txn kv.Txn) error {
	if old == nil && new == nil {
		return nil
	}
	if old != nil {
		pk, err := access.PrimaryKey(old)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "hnsw maintainer: primary key")
		}
		if err := m.Delete(txn, pk); err != nil {
			return err
		}
	}
	if new != nil {
		pk, err := access.PrimaryKey(new)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "hnsw maintainer: primary key")
		}
		entries, err := access.Evaluate(new, m.Expr)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		vec, err := entryToVector(entries[0])
		if err != nil {
			return err
		}
		return m.Insert(txn, pk, vec)
	}
	return nil
}

// ScanRecord implements record.Maintainer for non-phased backfill (the
// OnlineIndexer's HNSWIndexBuilder specialization calls AssignLevel and
// InsertAtLevel directly instead, per spec §4.9).
func (m *Maintainer) ScanRecord(rec record.Record, pk tuple.Tuple, access record.RecordAccess, txn kv.Txn) error {
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	vec, err := entryToVector(entries[0])
	if err != nil {
		return err
	}
	return m.Insert(txn, pk, vec)
}

func entryToVector(entry tuple.Tuple) ([]float64, error) {
	vec := make([]float64, len(entry))
	for i, e := range entry {
		switch v := e.(type) {
		case float64:
			vec[i] = v
		case float32:
			vec[i] = float64(v)
		case int64:
			vec[i] = float64(v)
		default:
			return nil, errs.NewInvalidArgument("hnsw: vector component %d has non-numeric type", i)
		}
	}
	return vec, nil
}

// VectorOf evaluates rec against Expr via access and returns its
// extracted vector (nil if Expr produces no entries), the same
// conversion UpdateIndex and ScanRecord apply internally. Exported for
// the OnlineIndexer's HNSWIndexBuilder specialization, which calls
// AssignLevel/InsertAtLevel directly instead of UpdateIndex.
func (m *Maintainer) VectorOf(access record.RecordAccess, rec record.Record) ([]float64, error) {
	entries, err := access.Evaluate(rec, m.Expr)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entryToVector(entries[0])
}

// Insert runs the single-transaction insert algorithm of spec §4.8.
func (m *Maintainer) Insert(txn kv.Txn, pk tuple.Tuple, vec []float64) error {
	if len(vec) != m.Dim {
		return errs.NewInvalidArgument("hnsw: vector has dimension %d, want %d", len(vec), m.Dim)
	}
	nodeLevel := m.assignLevel()

	entry, hasEntry, err := m.getEntryPoint(txn)
	if err != nil {
		return err
	}
	if !hasEntry {
		m.putVector(txn, pk, vec)
		if err := m.putNodeMeta(txn, pk, nodeMeta{Level: nodeLevel}); err != nil {
			return err
		}
		m.setEntryPoint(txn, pk)
		return nil
	}

	currentLevel, err := m.maxLevel(txn, entry)
	if err != nil {
		return err
	}

	estimatedOps := currentLevel*1200 + 200
	if estimatedOps > 10000 {
		return errs.NewInternal("hnsw: insert at graph level %d estimated at %d ops exceeds the single-transaction budget; use the OnlineIndexer build path instead", currentLevel, estimatedOps)
	}

	m.putVector(txn, pk, vec)
	if err := m.putNodeMeta(txn, pk, nodeMeta{Level: nodeLevel}); err != nil {
		return err
	}

	best := entry
	for level := currentLevel; level > nodeLevel; level-- {
		results, err := m.searchLayer(txn, vec, []tuple.Tuple{best}, 1, level)
		if err != nil {
			return err
		}
		if len(results) > 0 {
			best = results[0].pk
		}
	}

	entryPoints := []tuple.Tuple{best}
	for level := min(nodeLevel, currentLevel); level >= 0; level-- {
		results, err := m.searchLayer(txn, vec, entryPoints, m.Params.EfConstruction, level)
		if err != nil {
			return err
		}
		selected := selectClosest(results, m.Params.maxForLevel(level))
		for _, nb := range selected {
			m.addEdge(txn, pk, level, nb.pk)
			m.addEdge(txn, nb.pk, level, pk)
			if err := m.pruneNeighbor(txn, nb.pk, level); err != nil {
				return err
			}
		}
		entryPoints = make([]tuple.Tuple, len(results))
		for i, r := range results {
			entryPoints[i] = r.pk
		}
		if len(entryPoints) == 0 {
			entryPoints = []tuple.Tuple{best}
		}
	}

	if nodeLevel > currentLevel {
		m.setEntryPoint(txn, pk)
	}
	return nil
}

// AssignLevel implements OnlineIndexer's backfill Phase A (spec §4.9):
// draws the node's level, persists its vector and metadata, and installs
// it as the entry point if it is the first node seen or its level exceeds
// the current entry point's. It performs no edge wiring; Phase B wires
// levels afterward via InsertAtLevel.
func (m *Maintainer) AssignLevel(txn kv.Txn, pk tuple.Tuple, vec []float64) (int, error) {
	if len(vec) != m.Dim {
		return 0, errs.NewInvalidArgument("hnsw: vector has dimension %d, want %d", len(vec), m.Dim)
	}
	level := m.assignLevel()
	m.putVector(txn, pk, vec)
	if err := m.putNodeMeta(txn, pk, nodeMeta{Level: level}); err != nil {
		return 0, err
	}
	entry, hasEntry, err := m.getEntryPoint(txn)
	if err != nil {
		return 0, err
	}
	if !hasEntry {
		m.setEntryPoint(txn, pk)
		return level, nil
	}
	entryLevel, err := m.maxLevel(txn, entry)
	if err != nil {
		return 0, err
	}
	if level > entryLevel {
		m.setEntryPoint(txn, pk)
	}
	return level, nil
}

// InsertAtLevel implements OnlineIndexer's backfill Phase B (spec §4.9):
// wires pk into the graph at exactly one level, assuming AssignLevel
// already wrote its vector and metadata. Callers drive levels from the
// graph's maximum down to 0 so pk always links into an already-wired
// upper structure; pk being the sole or original entry point is a no-op
// since there is nothing yet to link to.
func (m *Maintainer) InsertAtLevel(txn kv.Txn, pk tuple.Tuple, vec []float64, level int) error {
	entry, hasEntry, err := m.getEntryPoint(txn)
	if err != nil {
		return err
	}
	if !hasEntry || string(entry.Pack()) == string(pk.Pack()) {
		return nil
	}
	results, err := m.searchLayer(txn, vec, []tuple.Tuple{entry}, m.Params.EfConstruction, level)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}
	selected := selectClosest(results, m.Params.maxForLevel(level))
	for _, nb := range selected {
		if string(nb.pk.Pack()) == string(pk.Pack()) {
			continue
		}
		m.addEdge(txn, pk, level, nb.pk)
		m.addEdge(txn, nb.pk, level, pk)
		if err := m.pruneNeighbor(txn, nb.pk, level); err != nil {
			return err
		}
	}
	return nil
}

// pruneNeighbor re-selects the best M_level neighbors of nb (now that
// pk was just added to it), dropping the rest, per spec §4.8 step 5.
func (m *Maintainer) pruneNeighbor(txn kv.Txn, nb tuple.Tuple, level int) error {
	limit := m.Params.maxForLevel(level)
	neighbors, err := m.neighbors(txn, nb, level)
	if err != nil {
		return err
	}
	if len(neighbors) <= limit {
		return nil
	}
	nbVec, err := m.getVector(txn, nb)
	if err != nil {
		return err
	}
	if nbVec == nil {
		return nil
	}
	scored := make([]candidate, 0, len(neighbors))
	for _, n := range neighbors {
		v, err := m.getVector(txn, n)
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		scored = append(scored, candidate{pk: n, dist: Distance(m.Metric, nbVec, v)})
	}
	keep := selectClosest(scored, limit)
	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[string(k.pk.Pack())] = true
	}
	for _, n := range neighbors {
		if !keepSet[string(n.Pack())] {
			m.removeEdge(txn, nb, level, n)
			m.removeEdge(txn, n, level, nb)
		}
	}
	return nil
}

func selectClosest(candidates []candidate, n int) []candidate {
	sorted := append([]candidate(nil), candidates...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].dist < sorted[j-1].dist; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// searchLayer implements spec §4.8's mixed min/max-heap frontier
// expansion at a single graph level.
func (m *Maintainer) searchLayer(txn kv.Txn, q []float64, entryPoints []tuple.Tuple, ef, level int) ([]candidate, error) {
	visited := newVisitedSet()
	var candidates []candidate
	var results []candidate
	for _, ep := range entryPoints {
		v, err := m.getVector(txn, ep)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		visited.seen(ep)
		c := candidate{pk: ep, dist: Distance(m.Metric, q, v)}
		candidates = append(candidates, c)
		results = append(results, c)
	}
	frontier := newMinHeap(candidates)
	bestSet := newMaxHeap(results)

	for frontier.Len() > 0 {
		nearest := (*frontier)[0]
		worst := candidate{dist: math.Inf(1)}
		if bestSet.Len() > 0 {
			worst = (*bestSet)[0]
		}
		if bestSet.Len() >= ef && nearest.dist > worst.dist {
			break
		}
		cur := heap.Pop(frontier).(candidate)

		neighbors, err := m.neighbors(txn, cur.pk, level)
		if err != nil {
			return nil, err
		}
		for _, nb := range neighbors {
			if visited.seen(nb) {
				continue
			}
			v, err := m.getVector(txn, nb)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue
			}
			d := Distance(m.Metric, q, v)
			worst = candidate{dist: math.Inf(1)}
			if bestSet.Len() > 0 {
				worst = (*bestSet)[0]
			}
			if bestSet.Len() < ef || d < worst.dist {
				heap.Push(frontier, candidate{pk: nb, dist: d})
				heap.Push(bestSet, candidate{pk: nb, dist: d})
				if bestSet.Len() > ef {
					heap.Pop(bestSet)
				}
			}
		}
	}

	out := append([]candidate(nil), (*bestSet)...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].dist < out[j-1].dist; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Search runs spec §4.8's two-phase query: greedy ef=1 descent from the
// top layer to layer 1, then a full searchLayer(ef) at layer 0.
func (m *Maintainer) Search(txn kv.Txn, q []float64, k, ef int) ([]tuple.Tuple, error) {
	if ef < k {
		return nil, errs.NewInvalidArgument("hnsw: ef (%d) must be >= k (%d)", ef, k)
	}
	entry, ok, err := m.getEntryPoint(txn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	currentLevel, err := m.maxLevel(txn, entry)
	if err != nil {
		return nil, err
	}

	best := entry
	for level := currentLevel; level >= 1; level-- {
		results, err := m.searchLayer(txn, q, []tuple.Tuple{best}, 1, level)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			best = results[0].pk
		}
	}

	results, err := m.searchLayer(txn, q, []tuple.Tuple{best}, ef, 0)
	if err != nil {
		return nil, err
	}
	if len(results) > k {
		results = results[:k]
	}
	out := make([]tuple.Tuple, len(results))
	for i, r := range results {
		out[i] = r.pk
	}
	return out, nil
}

// Delete removes pk from the graph, rewiring each level's survivors per
// spec §4.8.
func (m *Maintainer) Delete(txn kv.Txn, pk tuple.Tuple) error {
	meta, ok, err := m.getNodeMeta(txn, pk)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for level := 0; level <= meta.Level; level++ {
		neighbors, err := m.neighbors(txn, pk, level)
		if err != nil {
			return err
		}
		limit := m.Params.maxForLevel(level)
		if err := m.rewire(txn, neighbors, level, limit); err != nil {
			return err
		}
		m.clearEdgesFrom(txn, pk, level)
		for _, nb := range neighbors {
			m.removeEdge(txn, nb, level, pk)
		}
	}

	m.deleteVector(txn, pk)
	m.deleteNodeMeta(txn, pk)

	entry, hasEntry, err := m.getEntryPoint(txn)
	if err != nil {
		return err
	}
	if hasEntry && string(entry.Pack()) == string(pk.Pack()) {
		return m.reassignEntryPoint(txn, pk)
	}
	return nil
}

// rewire connects pairs of remaining neighbors in ascending-distance
// order, respecting the level's neighbor cap; re-adding an already
// existing edge is a harmless no-op.
func (m *Maintainer) rewire(txn kv.Txn, survivors []tuple.Tuple, level, limit int) error {
	vecs := make(map[string][]float64, len(survivors))
	for _, s := range survivors {
		v, err := m.getVector(txn, s)
		if err != nil {
			return err
		}
		vecs[string(s.Pack())] = v
	}
	type pair struct {
		a, b tuple.Tuple
		dist float64
	}
	var pairs []pair
	for i := 0; i < len(survivors); i++ {
		for j := i + 1; j < len(survivors); j++ {
			va, vb := vecs[string(survivors[i].Pack())], vecs[string(survivors[j].Pack())]
			if va == nil || vb == nil {
				continue
			}
			pairs = append(pairs, pair{a: survivors[i], b: survivors[j], dist: Distance(m.Metric, va, vb)})
		}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].dist < pairs[j-1].dist; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	degree := map[string]int{}
	for _, s := range survivors {
		existing, err := m.neighbors(txn, s, level)
		if err != nil {
			return err
		}
		degree[string(s.Pack())] = len(existing)
	}
	for _, p := range pairs {
		ka, kb := string(p.a.Pack()), string(p.b.Pack())
		if degree[ka] >= limit || degree[kb] >= limit {
			continue
		}
		m.addEdge(txn, p.a, level, p.b)
		m.addEdge(txn, p.b, level, p.a)
		degree[ka]++
		degree[kb]++
	}
	return nil
}

// reassignEntryPoint scans node metadata for the highest-level survivor
// and installs it, or clears the entry point key on an empty graph.
func (m *Maintainer) reassignEntryPoint(txn kv.Txn, exclude tuple.Tuple) error {
	prefix := m.nodesSub().Bytes()
	begin := append([]byte(nil), prefix...)
	end := append(append([]byte(nil), prefix...), 0xFF)
	it := txn.GetRange(begin, end, kv.RangeOptions{})

	var bestPK tuple.Tuple
	bestLevel := -1
	for it.Advance() {
		kvpair, err := it.Get()
		if err != nil {
			return err
		}
		candPK, err := m.nodesSub().Unpack(kvpair.Key)
		if err != nil {
			return err
		}
		if string(candPK.Pack()) == string(exclude.Pack()) {
			continue
		}
		var meta nodeMeta
		if err := decodeNodeMeta(kvpair.Value, &meta); err != nil {
			return err
		}
		if meta.Level > bestLevel {
			bestLevel = meta.Level
			bestPK = candPK
		}
	}
	if bestPK == nil {
		m.clearEntryPoint(txn)
		return nil
	}
	m.setEntryPoint(txn, bestPK)
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
