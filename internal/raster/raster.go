// Package raster describes prepared predictor images and the service that
// turns raw climate rasters into model-ready grids.
package raster

import (
	"context"
	"path/filepath"
	"strings"

	"merramax/internal/observation"
)

// Image is one raster on disk. Its predictor name is the file base name
// without extension, so a prepared QV2M.asc and a raw QV2M.nc share a name.
type Image struct {
	Path string `json:"path"`
}

// NewImage wraps a raster path.
func NewImage(path string) Image {
	return Image{Path: path}
}

// Name returns the predictor identifier derived from the file name.
func (i Image) Name() string {
	base := filepath.Base(i.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// BaseName returns the file name of the raster.
func (i Image) BaseName() string {
	return filepath.Base(i.Path)
}

// FromPaths wraps each path in an Image, preserving order.
func FromPaths(paths []string) []Image {
	images := make([]Image, len(paths))
	for i, p := range paths {
		images[i] = NewImage(p)
	}
	return images
}

// Names returns the predictor names of images in order.
func Names(images []Image) []string {
	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.Name()
	}
	return names
}

// Preparer transforms raw rasters into model-ready predictor images. One
// output is produced per input, in input order, inside outDir.
type Preparer interface {
	Prepare(ctx context.Context, obs observation.Observation, rasters []Image, outDir string) ([]Image, error)
}
