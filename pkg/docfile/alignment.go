package docfile

import (
	"iter"

	"github.com/pkg/errors"

	"emspider/pkg/toolerr"
)

// AlignmentHeader is the comment header written above alignment records.
var AlignmentHeader = []string{
	"KEY", "PSI", "THE", "PHI", "REF#", "EXP#", "CUM.{ROT",
	"SX", "SY}", "NPROJ", "DIFF", "CCROT", "ROT", "SX", "SY", "MIR-CC",
}

// AlignmentColumns is the number of values in an alignment record.
const AlignmentColumns = 15

// AlignmentRecord is one particle's projection-matching result.
type AlignmentRecord struct {
	Psi   float64 // in-plane angle
	Theta float64 // tilt
	Phi   float64 // azimuth
	Ref   float64 // reference projection number
	Exp   float64 // experimental image number

	CumRot   float64 // cumulative in-plane rotation
	CumSX    float64
	CumSY    float64
	NProj    float64
	Diff     float64
	CCRot    float64
	Rot      float64 // incremental values of the last iteration
	SX       float64
	SY       float64
	MirrorCC float64
}

// Values returns the record in column order.
func (a AlignmentRecord) Values() []float64 {
	return []float64{
		a.Psi, a.Theta, a.Phi, a.Ref, a.Exp,
		a.CumRot, a.CumSX, a.CumSY, a.NProj, a.Diff,
		a.CCRot, a.Rot, a.SX, a.SY, a.MirrorCC,
	}
}

// InitialAlignment builds the record written for a particle before
// refinement: only the projection angles, the in-plane rotation and shifts
// are known.
func InitialAlignment(exp int, psi, theta, phi, shiftX, shiftY float64) AlignmentRecord {
	return AlignmentRecord{
		Theta:  theta,
		Phi:    phi,
		Exp:    float64(exp),
		CumRot: psi,
		CumSX:  shiftX,
		CumSY:  shiftY,
	}
}

// AlignmentFromValues maps a record's values onto the named columns.
func AlignmentFromValues(v []float64) (AlignmentRecord, bool) {
	if len(v) < AlignmentColumns {
		return AlignmentRecord{}, false
	}
	return AlignmentRecord{
		Psi: v[0], Theta: v[1], Phi: v[2], Ref: v[3], Exp: v[4],
		CumRot: v[5], CumSX: v[6], CumSY: v[7], NProj: v[8], Diff: v[9],
		CCRot: v[10], Rot: v[11], SX: v[12], SY: v[13], MirrorCC: v[14],
	}, true
}

// WriteAlignment appends an alignment record.
func (w *Writer) WriteAlignment(a AlignmentRecord) error {
	return w.WriteValues(a.Values()...)
}

// Alignments iterates the alignment records of the file. Records with fewer
// than fifteen values yield a parse error naming their line.
func (r *Reader) Alignments() iter.Seq2[AlignmentRecord, error] {
	return func(yield func(AlignmentRecord, error) bool) {
		for rec, err := range r.Records() {
			if err != nil {
				if !yield(AlignmentRecord{}, err) {
					return
				}
				continue
			}
			a, ok := AlignmentFromValues(rec.Values)
			if !ok {
				err = ShortRecord(r.name, rec, AlignmentColumns)
			}
			if !yield(a, err) {
				return
			}
		}
	}
}

// ShortRecord returns the parse error for a record of file holding fewer
// than want values.
func ShortRecord(file string, rec Record, want int) error {
	return &toolerr.ParseError{
		File:  file,
		Line:  rec.Line,
		Token: "<short record>",
		Err:   errors.Errorf("%d values, want %d", len(rec.Values), want),
	}
}
