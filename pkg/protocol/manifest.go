package protocol

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name inside a run directory.
const ManifestFile = "run.yaml"

// ScriptRecord is a script that was rendered for the run.
type ScriptRecord struct {
	Path   string `yaml:"path"`
	Blake3 string `yaml:"blake3"`
}

// Manifest is the persisted summary of a run.
type Manifest struct {
	RunID     string            `yaml:"runId"`
	Adapter   string            `yaml:"adapter"`
	Dir       string            `yaml:"dir"`
	State     State             `yaml:"state"`
	Started   time.Time         `yaml:"started"`
	Finished  time.Time         `yaml:"finished,omitempty"`
	Params    any               `yaml:"params,omitempty"`
	Scripts   []ScriptRecord    `yaml:"scripts,omitempty"`
	Outputs   map[string]string `yaml:"outputs,omitempty"`
	History   []Transition      `yaml:"history"`
	Error     string            `yaml:"error,omitempty"`
	ErrorCode string            `yaml:"errorCode,omitempty"`
}

// Save writes the manifest as YAML.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write manifest %s", path)
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "parse manifest %s", path)
	}
	return m, nil
}
