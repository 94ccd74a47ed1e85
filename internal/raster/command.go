package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"merramax/internal/observation"
)

// DefaultPrepareCommand converts a raster into an ESRI ASCII grid.
const DefaultPrepareCommand = "gdal_translate -of AAIGrid {input} {output}"

// PreparedExt is the extension of prepared predictor images.
const PreparedExt = ".asc"

// CommandPreparer runs an external conversion command once per raster.
// The template is split on whitespace; {input}, {output} and {envelope}
// are substituted per invocation.
type CommandPreparer struct {
	template []string
	timeout  time.Duration
}

// CommandOption configures a CommandPreparer.
type CommandOption func(*CommandPreparer)

// WithTimeout bounds each conversion. Zero means no bound.
func WithTimeout(d time.Duration) CommandOption {
	return func(p *CommandPreparer) {
		p.timeout = d
	}
}

// NewCommandPreparer creates a preparer from a command template.
func NewCommandPreparer(template string, opts ...CommandOption) (*CommandPreparer, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, errors.New("prepare command is empty")
	}
	if !strings.Contains(template, "{input}") || !strings.Contains(template, "{output}") {
		return nil, fmt.Errorf("prepare command %q must reference {input} and {output}", template)
	}

	p := &CommandPreparer{template: fields}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// OutputPath returns where the prepared version of img is written in outDir.
func OutputPath(img Image, outDir string) string {
	return filepath.Join(outDir, img.Name()+PreparedExt)
}

// Prepare converts each raster, skipping outputs that already exist.
func (p *CommandPreparer) Prepare(ctx context.Context, obs observation.Observation, rasters []Image, outDir string) ([]Image, error) {
	prepared := make([]Image, 0, len(rasters))

	for _, img := range rasters {
		out := OutputPath(img, outDir)
		if _, err := os.Stat(out); err == nil {
			log.Debug().Str("raster", img.Name()).Msg("Prepared image already present")
			prepared = append(prepared, NewImage(out))
			continue
		}

		if err := p.run(ctx, obs, img, out); err != nil {
			return nil, err
		}
		prepared = append(prepared, NewImage(out))
	}

	return prepared, nil
}

func (p *CommandPreparer) run(ctx context.Context, obs observation.Observation, img Image, out string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	replacer := strings.NewReplacer(
		"{input}", img.Path,
		"{output}", out,
		"{envelope}", obs.Envelope.String(),
	)
	args := make([]string, len(p.template))
	for i, field := range p.template {
		args[i] = replacer.Replace(field)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("raster", img.Path).
			Str("output", out).
			Str("stderr", stderr.String()).
			Msg("Raster preparation failed")
		os.Remove(out)
		return fmt.Errorf("prepare %s: %w, stderr: %s", img.BaseName(), err, stderr.String())
	}

	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("prepare %s: command produced no output %s", img.BaseName(), out)
	}

	log.Debug().
		Str("raster", img.Name()).
		Dur("took", time.Since(start)).
		Msg("Prepared image")
	return nil
}
