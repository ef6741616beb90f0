// Package hoststore keeps host objects (particle sets, volumes, classes,
// factor files and resolution curves) as YAML documents in a directory. It
// stands in for the host workflow platform when emspider runs standalone.
package hoststore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"emspider/internal/models"
)

// Kinds of stored objects; each becomes the second extension of its file,
// e.g. "particles.set.yaml".
const (
	KindParticleSet = "set"
	KindVolume      = "volume"
	KindClasses     = "classes"
	KindPCA         = "pca"
	KindFSC         = "fsc"
)

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("object not found")

// Store reads and writes host objects under a root directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", dir)
	}
	return &Store{root: dir}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Path returns the file an object of kind named name is stored in.
func (s *Store) Path(kind, name string) string {
	return filepath.Join(s.root, name+"."+kind+".yaml")
}

// LoadParticleSet reads a particle set from path, which may be a file
// anywhere on disk.
func LoadParticleSet(path string) (*models.ParticleSet, error) {
	set := &models.ParticleSet{}
	if err := load(path, set); err != nil {
		return nil, err
	}
	for i, p := range set.Particles {
		if p.Location.File == "" {
			return nil, errors.Errorf("%s: particle %d has no image file", path, p.ID)
		}
		if p.Location.Index < 0 {
			return nil, errors.Errorf("%s: particle %d has negative index", path, i+1)
		}
	}
	if set.Alignment == "" {
		set.Alignment = models.AlignNone
	}
	return set, nil
}

// LoadVolume reads a volume description from path.
func LoadVolume(path string) (*models.Volume, error) {
	v := &models.Volume{}
	if err := load(path, v); err != nil {
		return nil, err
	}
	if v.File == "" {
		return nil, errors.Errorf("%s: volume has no file", path)
	}
	return v, nil
}

// LoadPCA reads factor file pointers from path.
func LoadPCA(path string) (*models.PCAFile, error) {
	p := &models.PCAFile{}
	if err := load(path, p); err != nil {
		return nil, err
	}
	if p.IMC == "" {
		return nil, errors.Errorf("%s: no IMC file", path)
	}
	return p, nil
}

// SaveParticleSet stores set under name and returns the written file.
func (s *Store) SaveParticleSet(name string, set *models.ParticleSet) (string, error) {
	return s.save(KindParticleSet, name, set)
}

// SaveVolume stores v under name.
func (s *Store) SaveVolume(name string, v *models.Volume) (string, error) {
	return s.save(KindVolume, name, v)
}

// SaveClasses stores c under name.
func (s *Store) SaveClasses(name string, c models.Classes) (string, error) {
	return s.save(KindClasses, name, c)
}

// SavePCA stores p under name.
func (s *Store) SavePCA(name string, p *models.PCAFile) (string, error) {
	return s.save(KindPCA, name, p)
}

// SaveFSC stores f under name.
func (s *Store) SaveFSC(name string, f models.FSC) (string, error) {
	return s.save(KindFSC, name, f)
}

// List returns the names of stored objects of kind, sorted.
func (s *Store) List(kind string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*."+kind+".yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "list store")
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), "."+kind+".yaml"))
	}
	return names, nil
}

func (s *Store) save(kind, name string, v any) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errors.Errorf("invalid object name %q", name)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", errors.Wrapf(err, "marshal %s %s", kind, name)
	}
	path := s.Path(kind, name)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func load(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrNotFound, "%s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return errors.Wrapf(yaml.Unmarshal(data, v), "parse %s", path)
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "close %s", path)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return errors.Wrapf(err, "rename %s", path)
	}
	return nil
}
