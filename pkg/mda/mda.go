// Package mda runs SPIDER's multivariate data analysis: correspondence and
// principal component analysis of a particle stack, mask creation and the
// classifications working on the resulting factor space.
package mda

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"emspider/internal/models"
	"emspider/pkg/convert"
	"emspider/pkg/protocol"
	"emspider/pkg/toolerr"
)

// Files written into every analysis run directory.
const (
	ParticlesStack = "particles.stk"
	ParticlesSel   = "particles_sel.stk"
)

// ImageStore reads and writes single images of SPIDER stacks. Image I/O
// belongs to the host, so classifications only build class averages when
// one is provided.
type ImageStore interface {
	ReadImage(loc models.Location) (*models.Image, error)
	WriteImage(img *models.Image, loc models.Location) error
}

// ClassifyInput is what every factor-space classification consumes.
type ClassifyInput struct {
	Particles *models.ParticleSet
	// PCA points to the factor file to classify, normally cas_IMC
	PCA models.PCAFile
	// Factors is the number of factors used, counted from the first
	Factors int
}

func (in ClassifyInput) validate() error {
	if in.Particles == nil || in.Particles.Size() == 0 {
		return errors.New("input particle set is empty")
	}
	if in.PCA.IMC == "" {
		return errors.New("no factor file given")
	}
	if in.Factors < 1 {
		return errors.New("number of factors must be at least 1")
	}
	if in.PCA.Factors > 0 && in.Factors > in.PCA.Factors {
		return errors.Errorf("%d factors requested but the analysis computed %d", in.Factors, in.PCA.Factors)
	}
	return nil
}

// writeParticles converts the particle stack and its selection document
// into the run directory.
func writeParticles(ctx context.Context, tools *protocol.Tools, run *protocol.Run, set *models.ParticleSet) error {
	return convert.WriteSetOfImages(ctx, tools.Converter, set.Particles,
		run.Path(ParticlesStack), run.Path(ParticlesSel))
}

// copyFactorFile copies the factor file into the run directory and returns
// its base name without extension, the form SPIDER expects.
func copyFactorFile(run *protocol.Run, src string) (string, error) {
	base := filepath.Base(src)
	dst := run.Path(base)
	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrapf(err, "open factor file %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrapf(err, "copy factor file to %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", errors.Wrapf(err, "copy factor file to %s", dst)
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrapf(err, "copy factor file to %s", dst)
	}
	return strings.TrimSuffix(base, filepath.Ext(base)), nil
}

// requireFiles returns a MissingOutputError listing every absent path.
func requireFiles(paths ...string) error {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return toolerr.MissingOutput(missing...)
	}
	return nil
}
