package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"merramax/internal/trial"
)

// PermutationMarker identifies permutation-importance columns in a MaxEnt
// result table, e.g. "QV2M_avg_201302 permutation importance".
const PermutationMarker = "permutation"

// DefaultTopK is the number of predictors kept for the final model.
const DefaultTopK = 10

var (
	ErrResultParse = errors.New("result table unreadable")
	ErrNoTrials    = errors.New("no trials to aggregate")
)

// ResultParseError names the result table that could not be read.
type ResultParseError struct {
	Path string
	Err  error
}

func (e *ResultParseError) Error() string {
	return fmt.Sprintf("error reading %s: %v", e.Path, e.Err)
}

func (e *ResultParseError) Unwrap() []error { return []error{ErrResultParse, e.Err} }

// Contribution is a predictor's mean permutation importance.
type Contribution struct {
	Name    string  `json:"name"`
	Mean    float64 `json:"mean"`
	Samples int     `json:"samples"`
}

// Ranking is ordered by mean descending.
type Ranking []Contribution

// Names returns the ranked predictor names.
func (r Ranking) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name
	}
	return names
}

// Samples maps each predictor to the importance values it collected, one per
// result row of every trial that used it. Keys remember first-seen order.
type Samples struct {
	order  []string
	values map[string][]float64
}

// NewSamples returns an empty sample set.
func NewSamples() *Samples {
	return &Samples{values: make(map[string][]float64)}
}

// Add appends one sample for name.
func (s *Samples) Add(name string, v float64) {
	if _, ok := s.values[name]; !ok {
		s.order = append(s.order, name)
	}
	s.values[name] = append(s.values[name], v)
}

// Get returns the samples for name.
func (s *Samples) Get(name string) []float64 {
	return s.values[name]
}

// Keys returns predictor names in first-seen order.
func (s *Samples) Keys() []string {
	return append([]string(nil), s.order...)
}

// Means returns the arithmetic mean of every predictor with samples, in
// first-seen order.
func (s *Samples) Means() Ranking {
	means := make(Ranking, 0, len(s.order))
	for _, name := range s.order {
		vals := s.values[name]
		if len(vals) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		means = append(means, Contribution{
			Name:    name,
			Mean:    sum / float64(len(vals)),
			Samples: len(vals),
		})
	}
	return means
}

// Aggregator combines permutation importance across trials.
type Aggregator struct {
	topK int
}

// NewAggregator returns an aggregator keeping the topK best predictors.
func NewAggregator(topK int) *Aggregator {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Aggregator{topK: topK}
}

// Collect reads every trial's result table into one sample set.
func (a *Aggregator) Collect(trials []trial.Trial) (*Samples, error) {
	if len(trials) == 0 {
		return nil, ErrNoTrials
	}

	samples := NewSamples()
	for _, t := range trials {
		if err := collectTable(t.ResultsPath(), samples); err != nil {
			return nil, err
		}
	}
	return samples, nil
}

// Aggregate ranks predictors by mean permutation importance over all trials.
// Ties keep first-seen order; the result holds at most topK entries.
func (a *Aggregator) Aggregate(trials []trial.Trial) (Ranking, error) {
	samples, err := a.Collect(trials)
	if err != nil {
		return nil, err
	}

	ranking := samples.Means()
	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].Mean > ranking[j].Mean
	})
	if len(ranking) > a.topK {
		ranking = ranking[:a.topK]
	}

	log.Info().
		Int("trials", len(trials)).
		Int("predictors_seen", len(samples.order)).
		Strs("top", ranking.Names()).
		Msg("Contributions aggregated")

	return ranking, nil
}

func collectTable(path string, samples *Samples) error {
	file, err := os.Open(path)
	if err != nil {
		return &ResultParseError{Path: path, Err: err}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			err = errors.New("missing header")
		}
		return &ResultParseError{Path: path, Err: err}
	}

	type column struct {
		idx  int
		name string
	}
	var columns []column
	for i, key := range header {
		if before, _, ok := strings.Cut(key, PermutationMarker); ok {
			columns = append(columns, column{idx: i, name: strings.TrimSpace(before)})
		}
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ResultParseError{Path: path, Err: err}
		}
		for _, col := range columns {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[col.idx]), 64)
			if err != nil {
				return &ResultParseError{Path: path, Err: fmt.Errorf("column %q: %w", header[col.idx], err)}
			}
			samples.Add(col.name, v)
		}
	}
	return nil
}
