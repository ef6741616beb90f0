package convert

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"emspider/internal/models"
	"emspider/pkg/docfile"
)

// GroupMode selects how particles are split into groups.
type GroupMode int

const (
	// DefocusGroups puts particles of the same micrograph together.
	DefocusGroups GroupMode = iota
	// GoldStandard splits particles into equally sized consecutive groups.
	GoldStandard
)

func (m GroupMode) String() string {
	if m == DefocusGroups {
		return "defocus-groups"
	}
	return "gold-standard"
}

// GroupFile returns the name of one of a group's files; kind is "selfile",
// "align" or "stack".
func GroupFile(dir string, id int, kind string) string {
	return filepath.Join(dir, fmt.Sprintf("group%03d_%s.stk", id, kind))
}

// Group accumulates the particles of one group. It owns its selection and
// alignment writers until Close.
type Group struct {
	ID      int
	Count   int
	Defocus float64

	SelFile   string
	AlignFile string
	StackFile string

	sel *docfile.Writer
	doc *docfile.Writer
}

// NewGroup creates the group's selection and alignment documents in dir.
func NewGroup(dir string, id int) (*Group, error) {
	g := &Group{
		ID:        id,
		SelFile:   GroupFile(dir, id, "selfile"),
		AlignFile: GroupFile(dir, id, "align"),
		StackFile: GroupFile(dir, id, "stack"),
	}
	var err error
	if g.sel, err = docfile.Create(g.SelFile); err != nil {
		return nil, err
	}
	if g.doc, err = docfile.Create(g.AlignFile); err != nil {
		g.sel.Close()
		return nil, err
	}
	if err := g.doc.WriteComment(g.AlignFile, ""); err != nil {
		g.Close()
		return nil, err
	}
	if err := g.doc.WriteHeader(docfile.AlignmentHeader...); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// Add appends p to the group's stack, selection and alignment documents.
// The group defocus is taken from its first particle.
func (g *Group) Add(ctx context.Context, conv ImageConverter, p models.Particle) error {
	g.Count++
	if g.Count == 1 && p.CTF != nil {
		g.Defocus = p.CTF.Defocus()
	}
	if err := conv.ConvertImage(ctx, p.Location, models.Location{Index: g.Count, File: g.StackFile}); err != nil {
		return errors.Wrapf(err, "group %d: particle %d", g.ID, p.ID)
	}
	if err := g.sel.WriteValues(float64(g.Count)); err != nil {
		return err
	}
	return g.doc.WriteAlignment(InitialAlignment(g.Count, p))
}

// Close flushes and releases both documents.
func (g *Group) Close() error {
	var first error
	for _, w := range []*docfile.Writer{g.sel, g.doc} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	g.sel, g.doc = nil, nil
	return first
}

// PartitionByKey groups indices by key in first-seen key order.
func PartitionByKey(keys []int) (groupKeys []int, members [][]int) {
	pos := make(map[int]int)
	for i, k := range keys {
		j, ok := pos[k]
		if !ok {
			j = len(groupKeys)
			pos[k] = j
			groupKeys = append(groupKeys, k)
			members = append(members, nil)
		}
		members[j] = append(members[j], i)
	}
	return groupKeys, members
}

// PartitionRoundRobin splits n consecutive indices into at most
// max(2, workers) groups of capacity ceil(n/groups). A new group starts
// when the current one is full, so every group but the last is full.
func PartitionRoundRobin(n, workers int) [][]int {
	if n <= 0 {
		return nil
	}
	groups := max(2, workers)
	capacity := (n + groups - 1) / groups

	var out [][]int
	for i := range n {
		if i%capacity == 0 {
			out = append(out, make([]int, 0, capacity))
		}
		last := len(out) - 1
		out[last] = append(out[last], i)
	}
	return out
}

// WriteGroups partitions set, writes every group's files into dir and the
// group summary document sel_group.stk. In DefocusGroups mode group ids are
// micrograph ids and summary rows are (id, count, defocus); in GoldStandard
// mode ids are 1..G and rows are (id, count).
func WriteGroups(ctx context.Context, conv ImageConverter, set *models.ParticleSet, mode GroupMode, workers int, dir string) ([]*Group, error) {
	var ids []int
	var members [][]int
	switch mode {
	case DefocusGroups:
		keys := make([]int, len(set.Particles))
		for i, p := range set.Particles {
			keys[i] = p.MicrographID
		}
		ids, members = PartitionByKey(keys)
	default:
		members = PartitionRoundRobin(len(set.Particles), workers)
		for i := range members {
			ids = append(ids, i+1)
		}
	}

	groups := make([]*Group, 0, len(ids))
	for i, id := range ids {
		g, err := NewGroup(dir, id)
		if err != nil {
			return nil, err
		}
		for _, idx := range members[i] {
			if err := g.Add(ctx, conv, set.Particles[idx]); err != nil {
				g.Close()
				return nil, err
			}
		}
		if err := g.Close(); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	summary, err := docfile.Create(filepath.Join(dir, "sel_group.stk"))
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if mode == DefocusGroups {
			err = summary.WriteValues(float64(g.ID), float64(g.Count), g.Defocus)
		} else {
			err = summary.WriteValues(float64(g.ID), float64(g.Count))
		}
		if err != nil {
			summary.Close()
			return nil, err
		}
	}
	return groups, summary.Close()
}
