// Package models holds the host-side objects exchanged with SPIDER runs:
// particle sets, volumes, resolution curves and classification results.
package models

// Acquisition holds the microscope settings of a data set.
type Acquisition struct {
	// Voltage is the accelerating voltage in kV
	Voltage float64 `yaml:"voltage"`

	// SphericalAberration is Cs in mm
	SphericalAberration float64 `yaml:"sphericalAberration"`

	// AmplitudeContrast is the fraction of amplitude contrast
	AmplitudeContrast float64 `yaml:"amplitudeContrast"`

	Magnification float64 `yaml:"magnification,omitempty"`
}

// CTF is the contrast transfer function estimate of a particle's micrograph.
type CTF struct {
	DefocusU     float64 `yaml:"defocusU"`
	DefocusV     float64 `yaml:"defocusV"`
	DefocusAngle float64 `yaml:"defocusAngle"`
}

// Defocus returns the mean of both defocus axes, in Angstroms.
func (c CTF) Defocus() float64 {
	return (c.DefocusU + c.DefocusV) / 2
}

// Location addresses one image inside a stack file. Index is 1-based.
type Location struct {
	Index int    `yaml:"index"`
	File  string `yaml:"file"`
}

// Transform is a 4x4 row-major homogeneous matrix: rotation in the upper
// left 3x3 block and shifts in the last column.
type Transform struct {
	Matrix []float64 `yaml:"matrix,flow"`
}

// Particle is a single particle image with its metadata.
type Particle struct {
	// ID is the host identifier, unique within a set
	ID int `yaml:"id"`

	// MicrographID groups particles picked from the same micrograph
	MicrographID int `yaml:"micId"`

	Location Location `yaml:"location"`

	// CTF is nil when the set carries no CTF estimation
	CTF *CTF `yaml:"ctf,omitempty"`

	// Transform is nil when the particle has no alignment
	Transform *Transform `yaml:"transform,omitempty"`

	// Class is the assigned class, 0 when unclassified
	Class int `yaml:"class,omitempty"`
}

// Alignment describes which transform a particle set carries.
type Alignment string

const (
	AlignNone       Alignment = "none"
	Align2D         Alignment = "2D"
	AlignProjection Alignment = "projection"
)

// ParticleSet is an ordered collection of particles sharing acquisition and
// sampling.
type ParticleSet struct {
	Name string `yaml:"name"`

	// SamplingRate is the pixel size in Angstroms
	SamplingRate float64 `yaml:"samplingRate"`

	// Dimensions are the image size in pixels: X, Y and number of images
	Dimensions [3]int `yaml:"dimensions,flow"`

	Acquisition Acquisition `yaml:"acquisition"`
	Alignment   Alignment   `yaml:"alignment"`

	Particles []Particle `yaml:"particles"`
}

// Size returns the number of particles.
func (s *ParticleSet) Size() int {
	return len(s.Particles)
}

// HasCTF reports whether every particle carries a CTF estimate.
func (s *ParticleSet) HasCTF() bool {
	if len(s.Particles) == 0 {
		return false
	}
	for _, p := range s.Particles {
		if p.CTF == nil {
			return false
		}
	}
	return true
}

// HasAlignment reports whether particles carry projection alignments.
func (s *ParticleSet) HasAlignment() bool {
	return s.Alignment == AlignProjection
}
