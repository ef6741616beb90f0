package mda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/dendrogram"
	"emspider/pkg/docfile"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
)

// Adapter names of the hierarchical classifications.
const (
	WardAdapter  = "ward"
	DidayAdapter = "diday"
)

// Files produced by hierarchical classifications.
const (
	DendrogramPlot = "dendrogram"
	DendrogramDoc  = "docdendro"
	AveragesStack  = "averages.stk"
	ClassDocDir    = "classes"
)

// DidayTemplate classifies with Diday's moving centers followed by Ward's
// criterion.
const DidayTemplate = "mda/cluster.msa"

// ClusterResult is the outcome of a hierarchical classification.
type ClusterResult struct {
	Root *dendrogram.Node
	// Doc is the dendrogram document the tree was built from
	Doc string
	// Averages is the stack of node averages indexed by node index, empty
	// without an ImageStore
	Averages string
	// ClassDocs maps internal node indices to their member documents
	ClassDocs map[int]string
}

// Cluster runs Ward and Diday classifications.
type Cluster struct {
	tools *protocol.Tools
	// images enables node averages when set
	images ImageStore
}

// NewCluster returns a Cluster adapter. images may be nil.
func NewCluster(tools *protocol.Tools, images ImageStore) *Cluster {
	return &Cluster{tools: tools, images: images}
}

// Ward classifies with SPIDER's CL HC in an interactive session.
func (c *Cluster) Ward(ctx context.Context, run *protocol.Run, in ClassifyInput) (*ClusterResult, error) {
	if err := in.validate(); err != nil {
		return nil, run.Fail(err)
	}
	run.Manifest.Params = map[string]any{"factors": in.Factors, "pca": in.PCA.IMC}

	var imc string
	err := run.Step(protocol.StateInputsConverted, func() (err error) {
		if err := writeParticles(ctx, c.tools, run, in.Particles); err != nil {
			return err
		}
		imc, err = copyFactorFile(run, in.PCA.IMC)
		return err
	})
	if err != nil {
		return nil, err
	}

	// CL HC is answered interactively; no script file is written.
	if err := run.Advance(protocol.StateScriptsWritten); err != nil {
		return nil, run.Fail(err)
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		return c.runWard(ctx, run, imc, in.Factors)
	})
	if err != nil {
		return nil, err
	}

	return c.parseDendrogram(run, run.Path(DendrogramDoc+".stk"))
}

func (c *Cluster) runWard(ctx context.Context, run *protocol.Run, imc string, factors int) error {
	sh, err := c.tools.StartShell(ctx, run, "stk")
	if err != nil {
		return err
	}
	err = sh.RunFunction("CL HC", imc, fmt.Sprintf("1-%d", factors), 0, 5,
		"Y", DendrogramPlot, "Y", DendrogramDoc)
	if err != nil {
		sh.Close(false)
		return err
	}
	return sh.Close(true)
}

// Diday classifies with the cluster script in batch mode. SEQ factor files
// are rejected.
func (c *Cluster) Diday(ctx context.Context, run *protocol.Run, in ClassifyInput) (*ClusterResult, error) {
	if err := in.validate(); err != nil {
		return nil, run.Fail(err)
	}
	if strings.Contains(filepath.Base(in.PCA.IMC), "_SEQ") {
		return nil, run.Fail(errors.New("Diday's method does not work with SEQ files, choose the IMC file"))
	}
	run.Manifest.Params = map[string]any{"factors": in.Factors, "pca": in.PCA.IMC}

	var imc string
	err := run.Step(protocol.StateInputsConverted, func() (err error) {
		if err := writeParticles(ctx, c.tools, run, in.Particles); err != nil {
			return err
		}
		imc, err = copyFactorFile(run, in.PCA.IMC)
		return err
	})
	if err != nil {
		return nil, err
	}

	var path string
	err = run.Step(protocol.StateScriptsWritten, func() (err error) {
		path, err = c.tools.WriteTemplate(run, "", DidayTemplate, "stk", classifyParams("CLA", imc, in.Factors))
		return err
	})
	if err != nil {
		return nil, err
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		if err := os.MkdirAll(run.Path("CLA"), 0755); err != nil {
			return errors.Wrap(err, "create class directory")
		}
		return c.tools.RunScript(ctx, run, path, "stk", 1)
	})
	if err != nil {
		return nil, err
	}

	return c.parseDendrogram(run, run.Path("CLA", DendrogramDoc+".stk"))
}

// classifyParams are the placeholders shared by the classification
// scripts. Values are bare file names read after "fr l" commands.
func classifyParams(classDir, imc string, factors int) script.Params {
	return script.Params{
		"[class_dir]":   classDir,
		"[cas_prefix]":  imc,
		"[num-factors]": factors,
		"[particles]":   "particles@******",
	}
}

func (c *Cluster) parseDendrogram(run *protocol.Run, doc string) (*ClusterResult, error) {
	var res *ClusterResult
	err := run.Step(protocol.StateOutputsParsed, func() (err error) {
		if err := requireFiles(doc); err != nil {
			return err
		}
		res, err = c.buildDendrogram(run, doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	run.RecordOutput("dendrogram", doc)
	if res.Averages != "" {
		run.RecordOutput("averages", res.Averages)
	}
	run.Log().Info("dendrogram built", zap.Int("nodes", res.Root.Length), zap.Int("classes", len(res.ClassDocs)))
	return res, nil
}

// ReadDendrogram reads a dendrogram document whose rows hold at least the
// particle id and the merge height.
func ReadDendrogram(path string) (heights []float64, ids []int, err error) {
	records, err := docfile.ReadRecords(path)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range records {
		if len(rec.Values) < 2 {
			return nil, nil, docfile.ShortRecord(path, rec, 2)
		}
		ids = append(ids, int(rec.Values[0]))
		heights = append(heights, rec.Values[1])
	}
	return heights, ids, nil
}

type stackImages struct {
	store ImageStore
	stack string
}

func (s stackImages) Image(id int) (*models.Image, error) {
	return s.store.ReadImage(models.Location{Index: id, File: s.stack})
}

func (c *Cluster) buildDendrogram(run *protocol.Run, doc string) (*ClusterResult, error) {
	heights, ids, err := ReadDendrogram(doc)
	if err != nil {
		return nil, err
	}
	classDir := run.Path(ClassDocDir)
	if err := os.MkdirAll(classDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create class directory")
	}

	res := &ClusterResult{Doc: doc, ClassDocs: map[int]string{}}
	opts := dendrogram.Options{}
	if c.images != nil {
		res.Averages = run.Path(AveragesStack)
		opts.Images = stackImages{store: c.images, stack: run.Path(ParticlesStack)}
	}
	opts.Sink = func(n *dendrogram.Node) error {
		if avg := n.Average(); avg != nil {
			if err := c.images.WriteImage(avg, models.Location{Index: n.Index, File: res.Averages}); err != nil {
				return err
			}
		}
		path := filepath.Join(classDir, fmt.Sprintf("doc_class%03d.stk", n.Index))
		if err := writeMembers(path, n.LeafIDs); err != nil {
			return err
		}
		res.ClassDocs[n.Index] = path
		return nil
	}

	if res.Root, err = dendrogram.Build(heights, ids, opts); err != nil {
		return nil, err
	}
	return res, nil
}

func writeMembers(path string, ids []int) error {
	w, err := docfile.Create(path)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.WriteValues(float64(id)); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
