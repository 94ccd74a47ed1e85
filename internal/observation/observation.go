// Package observation reads species-observation tables and derives the
// spatial envelope used to clip climate rasters.
package observation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoObservations is returned when the table holds no rows for the species.
var ErrNoObservations = errors.New("no observations for species")

// Envelope is a geographic bounding box in decimal degrees.
type Envelope struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// String renders the envelope as "minx,miny,maxx,maxy".
func (e Envelope) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", e.MinX, e.MinY, e.MaxX, e.MaxY)
}

// Observation identifies an observation table and the species of interest.
// It is a plain value so it can cross process boundaries as JSON; the file
// is reopened on the receiving side when needed.
type Observation struct {
	Path     string   `json:"path"`
	Species  string   `json:"species"`
	Envelope Envelope `json:"envelope"`
}

// BaseName returns the file name of the backing table.
func (o Observation) BaseName() string {
	return filepath.Base(o.Path)
}

// WithPath returns a copy of the observation backed by another file.
func (o Observation) WithPath(path string) Observation {
	o.Path = path
	return o
}

var (
	speciesColumns   = []string{"species", "scientific name", "common name", "name"}
	longitudeColumns = []string{"longitude", "lon", "long", "x", "decimallongitude"}
	latitudeColumns  = []string{"latitude", "lat", "y", "decimallatitude"}
)

// Load opens the CSV table at path, keeps the rows whose species column
// matches species and computes their envelope.
func Load(path, species string) (Observation, error) {
	file, err := os.Open(path)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to open observation file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Observation{}, fmt.Errorf("failed to read observation header %s: %w", path, err)
	}

	speciesIdx := findColumn(header, speciesColumns)
	lonIdx := findColumn(header, longitudeColumns)
	latIdx := findColumn(header, latitudeColumns)
	if lonIdx < 0 || latIdx < 0 {
		return Observation{}, fmt.Errorf("observation file %s: longitude and latitude columns are required", path)
	}
	if speciesIdx < 0 {
		speciesIdx = 0
	}

	env := Envelope{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
	}
	matched := 0
	line := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return Observation{}, fmt.Errorf("observation file %s line %d: %w", path, line, err)
		}
		if len(record) <= max(speciesIdx, lonIdx, latIdx) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(record[speciesIdx]), strings.TrimSpace(species)) {
			continue
		}

		x, err := strconv.ParseFloat(strings.TrimSpace(record[lonIdx]), 64)
		if err != nil {
			return Observation{}, fmt.Errorf("observation file %s line %d: invalid longitude: %w", path, line, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(record[latIdx]), 64)
		if err != nil {
			return Observation{}, fmt.Errorf("observation file %s line %d: invalid latitude: %w", path, line, err)
		}

		env.MinX = math.Min(env.MinX, x)
		env.MaxX = math.Max(env.MaxX, x)
		env.MinY = math.Min(env.MinY, y)
		env.MaxY = math.Max(env.MaxY, y)
		matched++
	}

	if matched == 0 {
		return Observation{}, fmt.Errorf("%w: %q in %s", ErrNoObservations, species, path)
	}

	return Observation{
		Path:     path,
		Species:  species,
		Envelope: env,
	}, nil
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for i, col := range header {
			if strings.EqualFold(strings.TrimSpace(col), name) {
				return i
			}
		}
	}
	return -1
}
