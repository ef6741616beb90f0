// Package dendrogram builds the binary merge tree of a hierarchical
// classification from the flat height list SPIDER writes.
//
// Entries are split recursively at their maximum height: entries left of the
// maximum form the left subtree, entries right of it the right subtree.
// Nodes are numbered like a binary heap, the root is 1 and the children of
// node i are 2i and 2i+1.
package dendrogram

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"emspider/internal/models"
)

// Node is one merge of the tree.
type Node struct {
	Height   float64
	Children []*Node
	// Length counts this node and all nodes below it.
	Length int
	Index  int
	// LeafIDs are the particle ids merged into this node, own id first.
	LeafIDs []int
	// Composite is the sum of the images of LeafIDs. Only the root keeps
	// its composite once Build returns.
	Composite *models.Image
}

// ImageSource returns the image of a particle id.
type ImageSource interface {
	Image(id int) (*models.Image, error)
}

// Sink receives every internal node once its composite is complete and
// before the buffers of its children are released.
type Sink func(n *Node) error

// Options enables composite images. Without Images no composite is built
// and Sink still sees every internal node.
type Options struct {
	Images ImageSource
	Sink   Sink
}

// Build constructs the tree over heights, where ids[i] is the particle of
// entry i. It needs at least two entries.
func Build(heights []float64, ids []int, opts Options) (*Node, error) {
	if len(heights) < 2 {
		return nil, errors.Errorf("dendrogram needs at least 2 entries, got %d", len(heights))
	}
	if len(ids) != len(heights) {
		return nil, errors.Errorf("dendrogram has %d heights but %d ids", len(heights), len(ids))
	}
	b := builder{heights: heights, ids: ids, opts: opts}
	return b.build(0, len(heights)-1, 1)
}

type builder struct {
	heights []float64
	ids     []int
	opts    Options
}

// build returns the node over the entries [left, right].
func (b *builder) build(left, right, index int) (*Node, error) {
	m := left
	for i := left + 1; i < right; i++ {
		if b.heights[i] > b.heights[m] {
			m = i
		}
	}

	id := b.ids[m+1]
	n := &Node{Height: b.heights[m], Length: 1, Index: index, LeafIDs: []int{id}}
	if b.opts.Images != nil {
		img, err := b.opts.Images.Image(id)
		if err != nil {
			return nil, errors.Wrapf(err, "dendrogram node %d", index)
		}
		n.Composite = models.NewImage(img.Width, img.Height)
		copy(n.Composite.Data, img.Data)
	}

	if right <= left+1 {
		return n, nil
	}

	for _, span := range [][3]int{{left, m, 2 * index}, {m + 1, right, 2*index + 1}} {
		if span[1] <= span[0] {
			continue
		}
		child, err := b.build(span[0], span[1], span[2])
		if err != nil {
			return nil, err
		}
		if err := n.adopt(child); err != nil {
			return nil, err
		}
	}

	if b.opts.Sink != nil {
		if err := b.opts.Sink(n); err != nil {
			return nil, errors.Wrapf(err, "dendrogram node %d", index)
		}
	}
	for _, c := range n.Children {
		c.Composite = nil
	}
	return n, nil
}

func (n *Node) adopt(child *Node) error {
	n.Children = append(n.Children, child)
	n.Length += child.Length
	n.LeafIDs = append(n.LeafIDs, child.LeafIDs...)
	if n.Composite == nil || child.Composite == nil {
		return nil
	}
	if len(n.Composite.Data) != len(child.Composite.Data) {
		return errors.Errorf("dendrogram node %d: image size %dx%d differs from %dx%d",
			child.Index, child.Composite.Width, child.Composite.Height, n.Composite.Width, n.Composite.Height)
	}
	floats.Add(n.Composite.Data, child.Composite.Data)
	return nil
}

// Average returns the composite divided by the number of merged particles,
// or nil without composite.
func (n *Node) Average() *models.Image {
	if n.Composite == nil {
		return nil
	}
	avg := models.NewImage(n.Composite.Width, n.Composite.Height)
	floats.ScaleTo(avg.Data, 1/float64(len(n.LeafIDs)), n.Composite.Data)
	return avg
}

// Walk visits n and its descendants depth first, left before right, until
// fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Leaves returns the number of nodes without children.
func (n *Node) Leaves() int {
	count := 0
	n.Walk(func(x *Node) bool {
		if len(x.Children) == 0 {
			count++
		}
		return true
	})
	return count
}
