package script

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"emspider/pkg/toolerr"
)

// Library locates the template scripts shipped with the plugin.
// Templates live under Dir/Version/<name> with Dir/<name> as fallback.
type Library struct {
	Dir     string
	Version string
	Log     *zap.Logger
}

// Path returns the template file for name.
func (l *Library) Path(name string) (string, error) {
	candidates := []string{filepath.Join(l.Dir, name)}
	if l.Version != "" {
		candidates = append([]string{filepath.Join(l.Dir, l.Version, name)}, candidates...)
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", &toolerr.TemplateError{Template: name, Err: os.ErrNotExist}
}

// Write renders template name into dstDir, keeping the base name.
// It returns the path of the written script.
func (l *Library) Write(name, dstDir string, params Params) (string, error) {
	src, err := l.Path(name)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dstDir, filepath.Base(name))
	if err := WriteScript(src, dst, params, l.logger()); err != nil {
		return "", &toolerr.TemplateError{Template: name, Err: err}
	}
	l.logger().Debug("script written", zap.String("template", name), zap.String("path", dst))
	return dst, nil
}

// Copy renders each template into dstDir with the same parameters.
func (l *Library) Copy(dstDir string, params Params, names ...string) ([]string, error) {
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p, err := l.Write(name, dstDir, params)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (l *Library) logger() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}

// Digest returns the hex BLAKE3 hash of the file at path. Run manifests use
// it to record exactly which scripts were executed.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
