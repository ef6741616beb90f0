package models

// Volume is a 3D map produced or consumed by a run.
type Volume struct {
	// File is the map location on disk
	File string `yaml:"file"`

	// SamplingRate is the voxel size in Angstroms
	SamplingRate float64 `yaml:"samplingRate"`

	// HalfMaps are the two independent half reconstructions, when available
	HalfMaps []string `yaml:"halfMaps,omitempty"`
}

// FSC is a Fourier shell correlation curve.
type FSC struct {
	Label string `yaml:"label"`

	// Resolution holds the resolution of each shell in Angstroms
	Resolution []float64 `yaml:"resolution,flow"`

	Values []float64 `yaml:"values,flow"`
}

// Image is a single 2D image held in memory in row-major order.
type Image struct {
	Data   []float64
	Width  int
	Height int
}

// NewImage allocates a zero image.
func NewImage(width, height int) *Image {
	return &Image{Data: make([]float64, width*height), Width: width, Height: height}
}

// Class is one cluster of a classification.
type Class struct {
	ID int `yaml:"id"`

	// Representative is the class average, when one was written
	Representative string `yaml:"representative,omitempty"`

	// Members are the 1-based particle indices of the input stack
	Members []int `yaml:"members,flow"`
}

// Size returns the number of members.
func (c *Class) Size() int {
	return len(c.Members)
}

// Classes is the result of a 2D classification.
type Classes struct {
	SamplingRate float64 `yaml:"samplingRate"`
	Items        []Class `yaml:"classes"`
}

// PCAFile points to the factor files produced by correspondence or
// principal component analysis.
type PCAFile struct {
	// IMC holds image coordinates in factor space
	IMC string `yaml:"imc"`

	// SEQ holds the sequential image coordinates
	SEQ string `yaml:"seq,omitempty"`

	// Eigenvalues is the eigenvalue document
	Eigenvalues string `yaml:"eigenvalues,omitempty"`

	// Factors is the number of factors computed
	Factors int `yaml:"factors"`
}
