package convert

import (
	"context"

	"github.com/pkg/errors"

	"emspider/internal/models"
	"emspider/pkg/docfile"
)

// WriteSetOfImages writes every particle into consecutive slots of
// stackPath and lists the slots 1..N in the selection document selPath.
func WriteSetOfImages(ctx context.Context, conv ImageConverter, particles []models.Particle, stackPath, selPath string) error {
	sel, err := docfile.Create(selPath)
	if err != nil {
		return err
	}
	for i, p := range particles {
		if err := ctx.Err(); err != nil {
			sel.Close()
			return err
		}
		dst := models.Location{Index: i + 1, File: stackPath}
		if err := conv.ConvertImage(ctx, p.Location, dst); err != nil {
			sel.Close()
			return errors.Wrapf(err, "particle %d", p.ID)
		}
		if err := sel.WriteValues(float64(i + 1)); err != nil {
			sel.Close()
			return err
		}
	}
	return sel.Close()
}

// WriteAlignments writes the comment line, the alignment header and one
// initial alignment record per particle.
func WriteAlignments(particles []models.Particle, path string) error {
	doc, err := docfile.Create(path)
	if err != nil {
		return err
	}
	if err := doc.WriteComment(path, ""); err != nil {
		doc.Close()
		return err
	}
	if err := doc.WriteHeader(docfile.AlignmentHeader...); err != nil {
		doc.Close()
		return err
	}
	for i, p := range particles {
		if err := doc.WriteAlignment(InitialAlignment(i+1, p)); err != nil {
			doc.Close()
			return err
		}
	}
	return doc.Close()
}
