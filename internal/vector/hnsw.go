package vector

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/pkg/utils"
)

const (
	DefaultCapacity       = 100000
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50
	DefaultSeed           = 100

	// maxLevel bounds the layer count; with M >= 2 a level above it has
	// probability below 2^-32 per element.
	maxLevel = 32
)

// HNSWIndex is an approximate cosine index over a hierarchical navigable small
// world graph. Vectors are stored unit-normalized so distance is 1 - dot.
// Search holds a read lock and may run concurrently; Add, Reset and Load are exclusive.
type HNSWIndex struct {
	dimensions     int
	capacity       int
	m              int
	efConstruction int
	levelMult      float64
	seed           int64
	rng            *rand.Rand

	nodes    []hnswNode
	ids      map[uint64]int32
	entry    int32
	topLevel int
	mu       sync.RWMutex
}

// hnswNode is one element. friends[l] lists its neighbours on layer l.
type hnswNode struct {
	label   uint64
	vector  []float32
	friends [][]int32
}

// NewHNSWIndex creates an empty graph index. Zero fields in p take their defaults.
func NewHNSWIndex(p Params) (*HNSWIndex, error) {
	if p.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	d := DefaultParams(p.Dimensions)
	if p.Capacity > 0 {
		d.Capacity = p.Capacity
	}
	if p.M > 1 {
		d.M = p.M
	}
	if p.EfConstruction > 0 {
		d.EfConstruction = p.EfConstruction
	}
	if p.Seed != 0 {
		d.Seed = p.Seed
	}
	h := &HNSWIndex{
		dimensions: d.Dimensions,
		seed:       d.Seed,
	}
	h.setParams(d.M, d.EfConstruction)
	h.Reset(d.Capacity)
	return h, nil
}

func (h *HNSWIndex) setParams(m, efConstruction int) {
	h.m = m
	h.efConstruction = max(efConstruction, m)
	h.levelMult = 1 / math.Log(float64(m))
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() string {
	return string(IndexTypeHNSW)
}

func (h *HNSWIndex) Dimensions() int { return h.dimensions }

func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *HNSWIndex) Capacity() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.capacity
}

func (h *HNSWIndex) Contains(label uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ids[label]
	return ok
}

// Resize changes the capacity. Existing elements are kept.
func (h *HNSWIndex) Resize(capacity int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if capacity < len(h.nodes) {
		return fmt.Errorf("cannot shrink capacity to %d below %d elements", capacity, len(h.nodes))
	}
	h.capacity = capacity
	return nil
}

func (h *HNSWIndex) Reset(capacity int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h.capacity = capacity
	h.nodes = nil
	h.ids = make(map[uint64]int32)
	h.entry = -1
	h.topLevel = 0
	h.rng = rand.New(rand.NewSource(h.seed))
}

// Add inserts vectors under the given labels. The whole batch is validated first,
// so a dimension, capacity, or duplicate error inserts nothing.
func (h *HNSWIndex) Add(ctx context.Context, labels []uint64, vectors [][]float32) error {
	if len(labels) != len(vectors) {
		return fmt.Errorf("labels and vectors length mismatch")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := validateBatch(labels, vectors, h.dimensions, len(h.nodes), h.capacity, func(l uint64) bool {
		_, ok := h.ids[l]
		return ok
	}); err != nil {
		return err
	}
	for i, label := range labels {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.insert(label, utils.Normalized(vectors[i]))
	}
	return nil
}

func (h *HNSWIndex) randomLevel() int {
	level := int(-math.Log(1-h.rng.Float64()) * h.levelMult)
	return min(level, maxLevel)
}

// maxFriends is the neighbour list bound on a layer: 2M on the base layer, M above.
func (h *HNSWIndex) maxFriends(level int) int {
	if level == 0 {
		return 2 * h.m
	}
	return h.m
}

func (h *HNSWIndex) insert(label uint64, vec []float32) {
	id := int32(len(h.nodes))
	level := h.randomLevel()
	h.nodes = append(h.nodes, hnswNode{label: label, vector: vec, friends: make([][]int32, level+1)})
	h.ids[label] = id
	if h.entry < 0 {
		h.entry = id
		h.topLevel = level
		return
	}

	ep := []candidate{{id: h.entry, dist: h.distance(vec, h.entry)}}
	for l := h.topLevel; l > level; l-- {
		ep = h.searchLayer(vec, ep, 1, l)[:1]
	}
	for l := min(level, h.topLevel); l >= 0; l-- {
		found := h.searchLayer(vec, ep, h.efConstruction, l)
		neighbors := h.selectNeighbors(found, h.m)
		friends := make([]int32, len(neighbors))
		for i, c := range neighbors {
			friends[i] = c.id
		}
		h.nodes[id].friends[l] = friends
		for _, c := range neighbors {
			h.link(c.id, id, c.dist, l)
		}
		ep = found
	}
	if level > h.topLevel {
		h.topLevel = level
		h.entry = id
	}
}

// link adds to to from's neighbours on level, pruning the list when it overflows.
func (h *HNSWIndex) link(from, to int32, dist float32, level int) {
	node := &h.nodes[from]
	node.friends[level] = append(node.friends[level], to)
	limit := h.maxFriends(level)
	if len(node.friends[level]) <= limit {
		return
	}
	cands := make([]candidate, 0, len(node.friends[level]))
	for _, f := range node.friends[level] {
		d := dist
		if f != to {
			d = h.distance(node.vector, f)
		}
		cands = append(cands, candidate{id: f, dist: d})
	}
	sort.Slice(cands, func(i, j int) bool { return closer(cands[i], cands[j]) })
	kept := h.selectNeighbors(cands, limit)
	friends := make([]int32, len(kept))
	for i, c := range kept {
		friends[i] = c.id
	}
	node.friends[level] = friends
}

// selectNeighbors picks up to n of cands (sorted closest first) with the diversity
// heuristic: a candidate is kept when it is closer to the base than to any kept
// neighbour. Remaining slots are filled with the closest pruned candidates.
func (h *HNSWIndex) selectNeighbors(cands []candidate, n int) []candidate {
	if len(cands) <= n {
		return cands
	}
	kept := make([]candidate, 0, n)
	var pruned []candidate
	for _, c := range cands {
		if len(kept) == n {
			break
		}
		diverse := true
		for _, k := range kept {
			if h.pairDistance(c.id, k.id) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(kept) == n {
			break
		}
		kept = append(kept, c)
	}
	return kept
}

func (h *HNSWIndex) distance(q []float32, id int32) float32 {
	return 1 - utils.Dot(q, h.nodes[id].vector)
}

func (h *HNSWIndex) pairDistance(a, b int32) float32 {
	return 1 - utils.Dot(h.nodes[a].vector, h.nodes[b].vector)
}

// searchLayer is a best-first search on one layer from the entry points, keeping
// the ef closest elements seen. The result is sorted closest first.
func (h *HNSWIndex) searchLayer(q []float32, entries []candidate, ef, level int) []candidate {
	visited := make(map[int32]struct{}, ef*h.m)
	cands := &nearQueue{}
	found := &farQueue{}
	for _, e := range entries {
		if _, ok := visited[e.id]; ok {
			continue
		}
		visited[e.id] = struct{}{}
		heap.Push(cands, e)
		heap.Push(found, e)
		if found.Len() > ef {
			heap.Pop(found)
		}
	}
	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if found.Len() >= ef && closer((*found)[0], c) {
			break
		}
		friends := h.nodes[c.id].friends
		if level >= len(friends) {
			continue
		}
		for _, f := range friends[level] {
			if _, ok := visited[f]; ok {
				continue
			}
			visited[f] = struct{}{}
			next := candidate{id: f, dist: h.distance(q, f)}
			if found.Len() < ef || closer(next, (*found)[0]) {
				heap.Push(cands, next)
				heap.Push(found, next)
				if found.Len() > ef {
					heap.Pop(found)
				}
			}
		}
	}
	out := make([]candidate, found.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(found).(candidate)
	}
	return out
}

// Search returns the k approximate nearest neighbors of query, best first.
// k is clamped to Len and ef is raised to k.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k, ef int) ([]Neighbor, error) {
	if err := checkDimensions(len(query), h.dimensions); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if k <= 0 || len(h.nodes) == 0 {
		return []Neighbor{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k = min(k, len(h.nodes))
	if ef <= 0 {
		ef = DefaultEfSearch
	}

	q := utils.Normalized(query)
	ep := []candidate{{id: h.entry, dist: h.distance(q, h.entry)}}
	for l := h.topLevel; l > 0; l-- {
		ep = h.searchLayer(q, ep, 1, l)[:1]
	}
	found := h.searchLayer(q, ep, max(ef, k), 0)
	if len(found) > k {
		found = found[:k]
	}
	out := make([]Neighbor, len(found))
	for i, c := range found {
		out[i] = Neighbor{Label: h.nodes[c.id].label, Distance: c.dist}
	}
	return out, nil
}

// Save persists the graph to path. Format: header; M, efConstruction, entry and top
// level; then per element its label, level, vector and one neighbour list per layer.
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return writeFileAtomic(path, func(w io.Writer) error {
		if err := writeHeader(w, header{
			Magic:      hnswMagic,
			Version:    snapshotVersion,
			Dimensions: uint32(h.dimensions),
			Capacity:   uint64(h.capacity),
			Count:      uint64(len(h.nodes)),
		}); err != nil {
			return err
		}
		params := []int32{int32(h.m), int32(h.efConstruction), h.entry, int32(h.topLevel)}
		if err := binary.Write(w, binary.LittleEndian, params); err != nil {
			return fmt.Errorf("write graph params: %w", err)
		}
		for _, node := range h.nodes {
			if err := binary.Write(w, binary.LittleEndian, node.label); err != nil {
				return fmt.Errorf("write label: %w", err)
			}
			if err := binary.Write(w, binary.LittleEndian, int32(len(node.friends)-1)); err != nil {
				return fmt.Errorf("write level: %w", err)
			}
			if err := writeVector(w, node.vector); err != nil {
				return err
			}
			for _, friends := range node.friends {
				if err := binary.Write(w, binary.LittleEndian, int32(len(friends))); err != nil {
					return fmt.Errorf("write neighbours: %w", err)
				}
				if err := binary.Write(w, binary.LittleEndian, friends); err != nil {
					return fmt.Errorf("write neighbours: %w", err)
				}
			}
		}
		return nil
	})
}

// Load replaces the graph with the snapshot at path. Dimensions must match.
// On error the index is unchanged.
func (h *HNSWIndex) Load(path string) error {
	file, r, err := openSnapshot(path)
	if err != nil {
		return err
	}
	defer file.Close()
	hdr, err := readHeader(r, hnswMagic, h.dimensions)
	if err != nil {
		return err
	}
	// label, level, vector and the base-layer neighbour count
	if err := checkCount(file, hdr, headerSize+16, int64(16+4*h.dimensions)); err != nil {
		return err
	}
	params := make([]int32, 4)
	if err := binary.Read(r, binary.LittleEndian, params); err != nil {
		return fmt.Errorf("read graph params: %w", err)
	}
	m, efc, entry, top := int(params[0]), int(params[1]), params[2], int(params[3])
	count := int(hdr.Count)
	if m < 2 || efc <= 0 || top < 0 || top > maxLevel {
		return fmt.Errorf("corrupt snapshot: m=%d ef_construction=%d top=%d", m, efc, top)
	}
	if (count == 0 && entry != -1) || (count > 0 && (entry < 0 || int(entry) >= count)) {
		return fmt.Errorf("corrupt snapshot: entry %d for %d elements", entry, count)
	}

	nodes := make([]hnswNode, 0, count)
	ids := make(map[uint64]int32, count)
	for i := 0; i < count; i++ {
		node, err := readNode(r, h.dimensions, m, count)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		if _, dup := ids[node.label]; dup {
			return fmt.Errorf("corrupt snapshot: %w %d", ErrDuplicateLabel, node.label)
		}
		ids[node.label] = int32(i)
		nodes = append(nodes, node)
	}
	if count > 0 && len(nodes[entry].friends)-1 != top {
		return fmt.Errorf("corrupt snapshot: entry level %d, top level %d", len(nodes[entry].friends)-1, top)
	}
	for i, node := range nodes {
		for l, friends := range node.friends {
			for _, f := range friends {
				if len(nodes[f].friends) <= l {
					return fmt.Errorf("corrupt snapshot: element %d links %d above its level on layer %d", i, f, l)
				}
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.setParams(m, efc)
	h.capacity = int(hdr.Capacity)
	h.nodes = nodes
	h.ids = ids
	h.entry = entry
	h.topLevel = top
	h.rng = rand.New(rand.NewSource(h.seed + int64(count)))
	return nil
}

func readNode(r io.Reader, dimensions, m, count int) (hnswNode, error) {
	var node hnswNode
	if err := binary.Read(r, binary.LittleEndian, &node.label); err != nil {
		return node, fmt.Errorf("read label: %w", err)
	}
	var level int32
	if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
		return node, fmt.Errorf("read level: %w", err)
	}
	if level < 0 || level > maxLevel {
		return node, fmt.Errorf("corrupt snapshot: level %d", level)
	}
	vec, err := readVector(r, dimensions)
	if err != nil {
		return node, err
	}
	node.vector = vec
	node.friends = make([][]int32, level+1)
	for l := range node.friends {
		var n int32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return node, fmt.Errorf("read neighbours: %w", err)
		}
		limit := m
		if l == 0 {
			limit = 2 * m
		}
		if n < 0 || int(n) > limit {
			return node, fmt.Errorf("corrupt snapshot: %d neighbours on layer %d", n, l)
		}
		friends := make([]int32, n)
		if err := binary.Read(r, binary.LittleEndian, friends); err != nil {
			return node, fmt.Errorf("read neighbours: %w", err)
		}
		for _, f := range friends {
			if f < 0 || int(f) >= count {
				return node, fmt.Errorf("corrupt snapshot: neighbour %d out of range", f)
			}
		}
		node.friends[l] = friends
	}
	return node, nil
}

// Close is a no-op for HNSWIndex.
func (h *HNSWIndex) Close() error {
	return nil
}

type candidate struct {
	id   int32
	dist float32
}

// closer orders by distance, then by id so equal distances order the same way
// on every run.
func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.id < b.id
}

// nearQueue pops the closest candidate first.
type nearQueue []candidate

func (q nearQueue) Len() int           { return len(q) }
func (q nearQueue) Less(i, j int) bool { return closer(q[i], q[j]) }
func (q nearQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nearQueue) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *nearQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// farQueue pops the farthest candidate first.
type farQueue []candidate

func (q farQueue) Len() int           { return len(q) }
func (q farQueue) Less(i, j int) bool { return closer(q[j], q[i]) }
func (q farQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *farQueue) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *farQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}
