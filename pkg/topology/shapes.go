package topology

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Shape names a way of wiring a cluster together.
type Shape string

const (
	// ShapeHarness uses the map delivered by the harness's topology message.
	ShapeHarness Shape = "harness"
	// ShapeFull connects every node to every other node.
	ShapeFull Shape = "full"
	// ShapeGrid lays nodes out row by row on a square grid and connects
	// axis-aligned neighbors.
	ShapeGrid Shape = "grid"
	// ShapeTree builds a tree with a fixed number of children per node.
	ShapeTree Shape = "tree"
	// ShapeLine chains nodes in order.
	ShapeLine Shape = "line"
)

func ParseShape(s string) (Shape, error) {
	switch sh := Shape(s); sh {
	case ShapeHarness, ShapeFull, ShapeGrid, ShapeTree, ShapeLine:
		return sh, nil
	}
	return "", errors.Newf("unknown topology shape %q", s)
}

// Build generates a topology of the given shape over ids, in the order
// given. fanout is only used by ShapeTree.
func Build(shape Shape, ids []string, fanout int) (map[string][]string, error) {
	n := len(ids)
	t := make(map[string][]string, n)
	for _, id := range ids {
		t[id] = []string{}
	}
	link := func(i, j int) {
		t[ids[i]] = append(t[ids[i]], ids[j])
	}

	switch shape {
	case ShapeFull:
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i != j {
					link(i, j)
				}
			}
		}
	case ShapeGrid:
		width := int(math.Ceil(math.Sqrt(float64(n))))
		for i := 0; i < n; i++ {
			col := i % width
			if i-width >= 0 {
				link(i, i-width)
			}
			if col > 0 {
				link(i, i-1)
			}
			if col < width-1 && i+1 < n {
				link(i, i+1)
			}
			if i+width < n {
				link(i, i+width)
			}
		}
	case ShapeTree:
		if fanout < 1 {
			return nil, errors.Newf("tree fanout must be >= 1, got %d", fanout)
		}
		for i := 0; i < n; i++ {
			if i > 0 {
				link(i, (i-1)/fanout)
			}
			for c := i*fanout + 1; c <= i*fanout+fanout && c < n; c++ {
				link(i, c)
			}
		}
	case ShapeLine:
		for i := 0; i < n; i++ {
			if i > 0 {
				link(i, i-1)
			}
			if i+1 < n {
				link(i, i+1)
			}
		}
	case ShapeHarness:
		return nil, errors.New("harness topology is supplied by the topology message")
	default:
		return nil, errors.Newf("unknown topology shape %q", shape)
	}
	return t, nil
}

// Diameter returns the longest shortest path, in hops, between any two
// nodes of t, or -1 when t is not connected.
func Diameter(t map[string][]string) int {
	longest := 0
	for src := range t {
		dist := map[string]int{src: 0}
		queue := []string{src}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range t[cur] {
				if _, ok := dist[nb]; ok {
					continue
				}
				dist[nb] = dist[cur] + 1
				longest = max(longest, dist[nb])
				queue = append(queue, nb)
			}
		}
		if len(dist) < len(t) {
			return -1
		}
	}
	return longest
}

// Edges counts directed neighbor links in t.
func Edges(t map[string][]string) int {
	n := 0
	for _, ns := range t {
		n += len(ns)
	}
	return n
}
