package mda

import (
	"context"

	"github.com/pkg/errors"

	"emspider/internal/models"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
)

// MaskAdapter is the adapter name of custom mask runs.
const MaskAdapter = "custommask"

// MaskTemplate builds a mask from a filtered, thresholded image.
const MaskTemplate = "mda/custommask.msa"

// MaskStackSize is the number of images in the mask stack: the
// intermediate filtered and thresholded images followed by the final mask.
const MaskStackSize = 7

// Mask input and output stacks, relative to the run directory.
const (
	MaskInput  = "input_image"
	MaskOutput = "stkmask"
)

// MaskParams configure the custom mask script.
type MaskParams struct {
	// FilterRadius1 is the Fourier radius applied to the input image
	FilterRadius1 float64 `yaml:"filterRadius1"`
	// SDFactor sets the first threshold to average + SDFactor * s.d.
	SDFactor float64 `yaml:"sdFactor"`
	// FilterRadius2 is the Fourier radius of the initial binary mask
	FilterRadius2 float64 `yaml:"filterRadius2"`
	// MaskThreshold is the threshold of the filtered mask
	MaskThreshold float64 `yaml:"maskThreshold"`
}

// DefaultMaskParams returns the usual custom mask settings.
func DefaultMaskParams() MaskParams {
	return MaskParams{FilterRadius1: 0.6, SDFactor: 0.1, FilterRadius2: 0.1, MaskThreshold: 0.01}
}

// Validate checks the Fourier radii, which are fractions of Nyquist.
func (p MaskParams) Validate() error {
	for _, r := range []float64{p.FilterRadius1, p.FilterRadius2} {
		if r <= 0 || r > 1 {
			return errors.Errorf("Fourier radius %g outside (0, 1]", r)
		}
	}
	return nil
}

// Placeholders returns the script values. File names are given bare since
// the script reads them after "fr l" commands.
func (p MaskParams) Placeholders() script.Params {
	return script.Params{
		"[filter-radius1]":  p.FilterRadius1,
		"[sd-factor]":       p.SDFactor,
		"[filter-radius2]":  p.FilterRadius2,
		"[mask-threshold2]": p.MaskThreshold,
		"[input_image]":     MaskInput,
		"[output_mask]":     MaskOutput,
	}
}

// CustomMask builds masks with the custom mask script.
type CustomMask struct {
	tools *protocol.Tools
}

// NewCustomMask returns a CustomMask adapter.
func NewCustomMask(tools *protocol.Tools) *CustomMask {
	return &CustomMask{tools: tools}
}

// Run converts image into the run directory, runs the script and returns
// the locations of the mask stack images, the final mask last.
func (m *CustomMask) Run(ctx context.Context, run *protocol.Run, image models.Location, p MaskParams) ([]models.Location, error) {
	if err := p.Validate(); err != nil {
		return nil, run.Fail(err)
	}
	run.Manifest.Params = p

	err := run.Step(protocol.StateInputsConverted, func() error {
		dst := models.Location{Index: 1, File: run.Path(MaskInput + ".stk")}
		return m.tools.Converter.ConvertImage(ctx, image, dst)
	})
	if err != nil {
		return nil, err
	}

	var path string
	err = run.Step(protocol.StateScriptsWritten, func() (err error) {
		path, err = m.tools.WriteTemplate(run, "", MaskTemplate, "stk", p.Placeholders())
		return err
	})
	if err != nil {
		return nil, err
	}

	err = run.Step(protocol.StateToolExecuted, func() error {
		return m.tools.RunScript(ctx, run, path, "stk", 1)
	})
	if err != nil {
		return nil, err
	}

	var out []models.Location
	err = run.Step(protocol.StateOutputsParsed, func() error {
		stack := run.Path(MaskOutput + ".stk")
		if err := requireFiles(stack); err != nil {
			return err
		}
		for i := range MaskStackSize {
			out = append(out, models.Location{Index: i + 1, File: stack})
		}
		run.RecordOutput("mask", stack)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
