package mda

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/docfile"
	"emspider/pkg/protocol"
)

// KMeansAdapter is the adapter name of k-means runs.
const KMeansAdapter = "kmeans"

// KMeansTemplate classifies with CL KM.
const KMeansTemplate = "mda/kmeans.msa"

// KMeansDir is the class directory of k-means runs.
const KMeansDir = "KM"

// KMeansResult holds the classes and a copy of the input particles with
// their class ids set.
type KMeansResult struct {
	Classes   models.Classes
	Particles *models.ParticleSet
}

// KMeans runs k-means classifications.
type KMeans struct {
	tools *protocol.Tools
}

// NewKMeans returns a KMeans adapter.
func NewKMeans(tools *protocol.Tools) *KMeans {
	return &KMeans{tools: tools}
}

// Run divides the particles into classes.
func (k *KMeans) Run(ctx context.Context, run *protocol.Run, in ClassifyInput, classes int) (*KMeansResult, error) {
	if err := in.validate(); err != nil {
		return nil, run.Fail(err)
	}
	if classes < 2 {
		return nil, run.Fail(errors.Errorf("number of classes must be at least 2, got %d", classes))
	}
	run.Manifest.Params = map[string]any{"factors": in.Factors, "classes": classes, "pca": in.PCA.IMC}

	var imc string
	err := run.Step(protocol.StateInputsConverted, func() (err error) {
		if err := writeParticles(ctx, k.tools, run, in.Particles); err != nil {
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
		params := classifyParams(KMeansDir, imc, in.Factors)
		params["x20"] = classes
		path, err = k.tools.WriteTemplate(run, "", KMeansTemplate, "stk", params)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		if err := os.MkdirAll(run.Path(KMeansDir), 0755); err != nil {
			return errors.Wrap(err, "create class directory")
		}
		return k.tools.RunScript(ctx, run, path, "stk", 1)
	})
	if err != nil {
		return nil, err
	}

	var res *KMeansResult
	err = run.Step(protocol.StateOutputsParsed, func() (err error) {
		doc := run.Path(KMeansDir, "docassign.stk")
		if err := requireFiles(doc); err != nil {
			return err
		}
		res, err = ReadAssignments(doc, in.Particles, func(class int) string {
			return run.Path(KMeansDir, fmt.Sprintf("classavg%03d.stk", class))
		})
		if err != nil {
			return err
		}
		run.RecordOutput("assignments", doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	run.Log().Info("particles classified", zap.Int("classes", len(res.Classes.Items)))
	return res, nil
}

// ReadAssignments reads a class assignment document with one (particle,
// class) row per input particle, in input order. average names the class
// average of a class id.
func ReadAssignments(path string, set *models.ParticleSet, average func(class int) string) (*KMeansResult, error) {
	records, err := docfile.ReadRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) != set.Size() {
		return nil, errors.Errorf("%s: %d assignments for %d particles", path, len(records), set.Size())
	}

	out := *set
	out.Particles = slices.Clone(set.Particles)
	byClass := map[int]*models.Class{}
	for i, rec := range records {
		if len(rec.Values) < 2 {
			return nil, docfile.ShortRecord(path, rec, 2)
		}
		class := int(rec.Values[1])
		out.Particles[i].Class = class
		c, ok := byClass[class]
		if !ok {
			c = &models.Class{ID: class, Representative: average(class)}
			byClass[class] = c
		}
		c.Members = append(c.Members, i+1)
	}

	res := &KMeansResult{Particles: &out, Classes: models.Classes{SamplingRate: set.SamplingRate}}
	for _, id := range slices.Sorted(maps.Keys(byClass)) {
		res.Classes.Items = append(res.Classes.Items, *byClass[id])
	}
	return res, nil
}
