// Package convert moves host objects into the files SPIDER reads: image
// stacks, selection documents, alignment documents and particle groups.
package convert

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/internal/models"
)

// ImageConverter copies images between formats. Image I/O belongs to the
// host; this package only decides where each image goes.
type ImageConverter interface {
	// ConvertImage writes the image at src into slot dst.Index of dst.File.
	ConvertImage(ctx context.Context, src, dst models.Location) error
	// ConvertVolume writes the volume at src to dst.
	ConvertVolume(ctx context.Context, src, dst string) error
}

// LocationString renders a location as "index@file", the form image
// conversion tools accept.
func LocationString(l models.Location) string {
	if l.Index <= 0 {
		return l.File
	}
	return fmt.Sprintf("%d@%s", l.Index, l.File)
}

// CommandConverter runs an external conversion tool once per image. The
// argument list may reference {src} and {dst}.
type CommandConverter struct {
	Command []string
	Log     *zap.Logger
}

// DefaultConvertCommand is used when no command is configured.
var DefaultConvertCommand = []string{"xmipp_image_convert", "-i", "{src}", "-o", "{dst}"}

// ConvertImage implements ImageConverter.
func (c *CommandConverter) ConvertImage(ctx context.Context, src, dst models.Location) error {
	return c.run(ctx, LocationString(src), LocationString(dst))
}

// ConvertVolume implements ImageConverter.
func (c *CommandConverter) ConvertVolume(ctx context.Context, src, dst string) error {
	return c.run(ctx, src, dst)
}

func (c *CommandConverter) run(ctx context.Context, src, dst string) error {
	command := c.Command
	if len(command) == 0 {
		command = DefaultConvertCommand
	}
	args := make([]string, len(command))
	r := strings.NewReplacer("{src}", src, "{dst}", dst)
	for i, a := range command {
		args[i] = r.Replace(a)
	}

	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "convert %s to %s: %s", src, dst, strings.TrimSpace(string(out)))
	}
	if c.Log != nil {
		c.Log.Debug("image converted", zap.String("src", src), zap.String("dst", dst))
	}
	return nil
}
