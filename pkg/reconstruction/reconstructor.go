// Package reconstruction rebuilds a volume from aligned particles with
// SPIDER's Fourier back-projection commands.
package reconstruction

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/convert"
	"emspider/pkg/protocol"
	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

// Adapter is the adapter name used for run directories and manifests.
const Adapter = "reconstruct"

// Method selects the back-projection command.
type Method int

const (
	// BP32F computes the volume and both half volumes in one pass.
	BP32F Method = iota
	// BP3F computes the three volumes one by one and needs less memory.
	BP3F
)

func (m Method) String() string {
	if m == BP3F {
		return "BP 3F"
	}
	return "BP 32F"
}

// ParseMethod accepts "32f" or "3f" with or without the "BP " prefix.
func ParseMethod(s string) (Method, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.TrimSpace(strings.TrimPrefix(key, "BP"))
	switch key {
	case "32F":
		return BP32F, nil
	case "3F":
		return BP3F, nil
	}
	return 0, errors.Errorf("unknown back-projection command %q", s)
}

// Params holds the reconstruction settings.
type Params struct {
	// Method is the back-projection command. BP 3F is slower but fits
	// large images in memory.
	Method Method `yaml:"method"`

	// Threads is passed to SPIDER as [nummps] for the rotation step.
	Threads int `yaml:"threads"`

	// MPI is the number of MPI processes for the back-projection step.
	// Values below 2 run the single-process executable.
	MPI int `yaml:"mpi"`
}

// DefaultParams returns single-threaded BP 32F.
func DefaultParams() Params {
	return Params{Method: BP32F, Threads: 1}
}

// Script returns the back-projection template of p.Method.
func (p Params) Script() string {
	if p.Method == BP3F {
		return "mpi/bp-3f.mpi"
	}
	return "mpi/bp-32f.mpi"
}

// Files written and read by a reconstruction, relative to the run directory.
const (
	StackFile     = "particles.stk"
	SelectionFile = "particles_sel.stk"
	DocFile       = "docfile.stk"
	VolumeFile    = "volume.stk"
	VolumeLink    = "volume.vol"
)

// Reconstructor runs back-projection reconstructions.
//
// The reconstruction process consists of several steps:
// 1. Writing the particle stack and the initial alignment document
// 2. Rendering the rotation and back-projection scripts
// 3. Running both scripts in batch mode
// 4. Publishing the volume under a .vol name
type Reconstructor struct {
	// tools holds the template library, the SPIDER runner and the
	// image converter shared by every adapter
	tools *protocol.Tools

	// params stores the reconstruction configuration
	params Params
}

// NewReconstructor creates a new reconstructor instance with the provided
// parameters.
//
// Parameters:
//   - tools: Shared collaborators of all adapters
//   - params: Configuration parameters for the reconstruction process
//
// Returns:
//   - A new Reconstructor instance initialized with the provided parameters
func NewReconstructor(tools *protocol.Tools, params Params) *Reconstructor {
	if params.Threads < 1 {
		params.Threads = 1
	}
	return &Reconstructor{tools: tools, params: params}
}

// Process runs the complete reconstruction pipeline inside run and returns
// the reconstructed volume. Particles must carry projection alignments.
func (r *Reconstructor) Process(ctx context.Context, run *protocol.Run, set *models.ParticleSet) (*models.Volume, error) {
	if set == nil || set.Size() == 0 {
		return nil, run.Fail(errors.New("input particle set is empty"))
	}
	if !set.HasAlignment() {
		return nil, run.Fail(errors.New("input particles have no projection alignment"))
	}
	run.Manifest.Params = r.params
	log := run.Log()

	// Step 1: Convert particles and alignments
	log.Info("writing particles", zap.Int("count", set.Size()))
	err := run.Step(protocol.StateInputsConverted, func() error {
		if err := convert.WriteSetOfImages(ctx, r.tools.Converter, set.Particles,
			run.Path(StackFile), run.Path(SelectionFile)); err != nil {
			return err
		}
		return convert.WriteAlignments(set.Particles, run.Path(DocFile))
	})
	if err != nil {
		return nil, err
	}

	// Step 2: Render rotation and back-projection scripts
	var rotate, backproject string
	err = run.Step(protocol.StateScriptsWritten, func() (err error) {
		rotate, err = r.tools.WriteTemplate(run, "", "recons_fourier.txt", "stk", script.Params{
			"[unaligned_images]": script.Quote("particles"),
			"[next_group_align]": script.Quote("docfile"),
			"[nummps]":           r.params.Threads,
		})
		if err != nil {
			return err
		}
		backproject, err = r.tools.WriteTemplate(run, "", r.params.Script(), "stk", script.Params{
			"[aligned_images]":   script.Quote("aligned_particles"),
			"[next_group_align]": script.Quote("docfile"),
			"[next_group_vol]":   script.Quote("volume"),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// Step 3: Rotate particles, then back-project
	err = run.Step(protocol.StateToolExecuted, func() error {
		if err := r.tools.RunScript(ctx, run, rotate, "stk", 1); err != nil {
			return err
		}
		return r.tools.RunScript(ctx, run, backproject, "stk", r.params.MPI)
	})
	if err != nil {
		return nil, err
	}

	// Step 4: Link the volume under a .vol name
	var vol *models.Volume
	err = run.Step(protocol.StateOutputsParsed, func() (err error) {
		vol, err = r.createOutput(run, set.SamplingRate)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("volume reconstructed", zap.Stringer("method", r.params.Method), zap.String("volume", vol.File))
	return vol, nil
}

func (r *Reconstructor) createOutput(run *protocol.Run, samplingRate float64) (*models.Volume, error) {
	stk := run.Path(VolumeFile)
	if _, err := os.Stat(stk); err != nil {
		return nil, toolerr.MissingOutput(stk)
	}
	link := run.Path(VolumeLink)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "replace %s", link)
	}
	if err := os.Symlink(VolumeFile, link); err != nil {
		return nil, errors.Wrapf(err, "link %s", link)
	}
	run.RecordOutput("volume", link)
	return &models.Volume{File: link, SamplingRate: samplingRate}, nil
}

// Summary describes a finished reconstruction in one line.
func (r *Reconstructor) Summary() string {
	return "Volume reconstructed using " + r.params.Method.String() + " command"
}
