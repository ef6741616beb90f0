package mda

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/docfile"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
)

// CAPCAAdapter is the adapter name of correspondence and principal
// component analysis runs.
const CAPCAAdapter = "capca"

// CAPCATemplate is the analysis script.
const CAPCATemplate = "mda/ca-pca.msa"

// Analysis selects the decomposition computed by CA S.
type Analysis int

const (
	CA Analysis = iota
	PCA
	IPCA
)

var analysisNames = []string{"CA", "PCA", "IPCA"}

func (a Analysis) String() string {
	if a < 0 || int(a) >= len(analysisNames) {
		return "unknown"
	}
	return analysisNames[a]
}

// ParseAnalysis accepts CA, PCA or IPCA in any case.
func ParseAnalysis(s string) (Analysis, error) {
	for i, name := range analysisNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Analysis(i), nil
		}
	}
	return 0, errors.Errorf("unknown analysis type %q", s)
}

// MaskType selects where the analysis mask comes from.
type MaskType int

const (
	MaskCircular MaskType = iota
	MaskFile
)

// CAPCAParams configure a CA/PCA run.
type CAPCAParams struct {
	Analysis Analysis `yaml:"analysis"`

	// AddConstant is used by CA only; 0 lets SPIDER choose.
	AddConstant float64 `yaml:"addConstant"`

	Factors int `yaml:"factors"`

	MaskType MaskType `yaml:"maskType"`

	// MaskRadius in pixels for circular masks; -1 uses the whole image.
	MaskRadius int `yaml:"maskRadius"`

	// MaskImage is the mask for MaskFile.
	MaskImage models.Location `yaml:"maskImage"`
}

// DefaultCAPCAParams returns CA with 25 factors and a full circular mask.
func DefaultCAPCAParams() CAPCAParams {
	return CAPCAParams{Analysis: CA, Factors: 25, MaskRadius: -1}
}

// Validate checks the parameters.
func (p CAPCAParams) Validate() error {
	if p.Analysis < CA || p.Analysis > IPCA {
		return errors.Errorf("unknown analysis type %d", int(p.Analysis))
	}
	if p.Factors < 1 {
		return errors.New("number of factors must be at least 1")
	}
	if p.MaskType == MaskFile && p.MaskImage.File == "" {
		return errors.New("mask from file needs a mask image")
	}
	if p.MaskType == MaskCircular && p.MaskRadius == 0 {
		return errors.New("mask radius must be positive or -1")
	}
	return nil
}

// Placeholders returns the values substituted into the analysis script for
// images of the given size.
func (p CAPCAParams) Placeholders(dim int) script.Params {
	radius := p.MaskRadius
	if radius < 0 {
		radius = dim / 2
	}
	mask := script.Quote("*")
	if p.MaskType == MaskFile {
		mask = script.Quote("mask")
	}
	return script.Params{
		"[cas-option]":    int(p.Analysis) + 1,
		"[num-factors]":   p.Factors,
		"[add-constant]":  p.AddConstant,
		"[mask-radius]":   radius,
		"[custom-mask]":   mask,
		"[img-dim]":       dim,
		"[particles]":     script.Quote("particles@******"),
		"[particles_sel]": script.Quote("particles_sel"),
		"[cas_prefix]":    script.Quote("cas"),
	}
}

// Output files of an analysis, relative to the run directory.
const (
	IMCFile   = "cas_IMC.stk"
	SEQFile   = "cas_SEQ.stk"
	EigenFile = "cas_EIG.stk"
)

// CAPCA runs correspondence or principal component analysis.
type CAPCA struct {
	tools *protocol.Tools
}

// NewCAPCA returns a CAPCA adapter.
func NewCAPCA(tools *protocol.Tools) *CAPCA {
	return &CAPCA{tools: tools}
}

// Run analyses the particle stack and returns the factor files.
func (a *CAPCA) Run(ctx context.Context, run *protocol.Run, set *models.ParticleSet, p CAPCAParams) (*models.PCAFile, error) {
	if err := p.Validate(); err != nil {
		return nil, run.Fail(err)
	}
	if set == nil || set.Size() == 0 {
		return nil, run.Fail(errors.New("input particle set is empty"))
	}
	run.Manifest.Params = p

	err := run.Step(protocol.StateInputsConverted, func() error {
		if err := writeParticles(ctx, a.tools, run, set); err != nil {
			return err
		}
		if p.MaskType == MaskFile {
			dst := models.Location{Index: 1, File: run.Path("mask.stk")}
			if err := a.tools.Converter.ConvertImage(ctx, p.MaskImage, dst); err != nil {
				return errors.Wrap(err, "convert mask")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var path string
	err = run.Step(protocol.StateScriptsWritten, func() (err error) {
		path, err = a.tools.WriteTemplate(run, "", CAPCATemplate, "stk", p.Placeholders(set.Dimensions[0]))
		return err
	})
	if err != nil {
		return nil, err
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		return a.tools.RunScript(ctx, run, path, "stk", 1)
	})
	if err != nil {
		return nil, err
	}

	var out *models.PCAFile
	err = run.Step(protocol.StateOutputsParsed, func() error {
		if err := requireFiles(run.Path(IMCFile)); err != nil {
			return err
		}
		out = &models.PCAFile{IMC: run.Path(IMCFile), Factors: p.Factors}
		run.RecordOutput("imc", out.IMC)
		if requireFiles(run.Path(SEQFile)) == nil {
			out.SEQ = run.Path(SEQFile)
			run.RecordOutput("seq", out.SEQ)
		}
		if requireFiles(run.Path(EigenFile)) == nil {
			out.Eigenvalues = run.Path(EigenFile)
			run.RecordOutput("eigenvalues", out.Eigenvalues)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	run.Log().Info("analysis finished", zap.Stringer("analysis", p.Analysis), zap.Int("factors", p.Factors))
	return out, nil
}

// Eigenvalue is one row of the eigenvalue document.
type Eigenvalue struct {
	Value      float64
	Percent    float64
	Cumulative float64
}

// ReadEigenvalues reads an eigenvalue document with columns value, percent
// and cumulative percent.
func ReadEigenvalues(path string) ([]Eigenvalue, error) {
	r, err := docfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Eigenvalue
	for rec, err := range r.Records() {
		if err != nil {
			return nil, err
		}
		if len(rec.Values) < 3 {
			return nil, docfile.ShortRecord(path, rec, 3)
		}
		out = append(out, Eigenvalue{Value: rec.Values[0], Percent: rec.Values[1], Cumulative: rec.Values[2]})
	}
	return out, nil
}
