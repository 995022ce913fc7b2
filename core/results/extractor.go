// Package results reads the metric a client asked for out of a simc JSON
// report. Reads never wait for the simulator: a missing report means the job
// has not produced one yet.
package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrNotReady means no report exists at the given path yet
var ErrNotReady = errors.New("simulation output not ready")

// ParseError describes a report that exists but does not yield a metric
type ParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsPending reports whether err should read as "still running" to a poller
func IsPending(err error) bool {
	var parseErr *ParseError
	return errors.Is(err, ErrNotReady) || errors.As(err, &parseErr)
}

type report struct {
	Sim     *simSection     `json:"sim"`
	Players []playerSection `json:"players"`
}

type simSection struct {
	Players []playerSection `json:"players"`
}

type playerSection struct {
	CollectedData *struct {
		DPS *struct {
			Mean json.RawMessage `json:"mean"`
		} `json:"dps"`
	} `json:"collected_data"`
}

// Extract reads the mean DPS of the first player from the report at path
func Extract(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotReady
	}
	if err != nil {
		return 0, &ParseError{Path: path, Reason: "failed to read file", Err: err}
	}
	return Parse(path, data)
}

// Parse extracts the metric from an in-memory report. path is only used in errors.
func Parse(path string, data []byte) (float64, error) {
	var doc report
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, &ParseError{Path: path, Reason: "invalid JSON", Err: err}
	}

	players := doc.Players
	if doc.Sim != nil {
		players = doc.Sim.Players
	}
	if len(players) == 0 {
		return 0, &ParseError{Path: path, Reason: "no players in report"}
	}

	cd := players[0].CollectedData
	if cd == nil || cd.DPS == nil || len(cd.DPS.Mean) == 0 || bytes.Equal(cd.DPS.Mean, []byte("null")) {
		return 0, &ParseError{Path: path, Reason: "could not find DPS"}
	}

	var mean float64
	if err := json.Unmarshal(cd.DPS.Mean, &mean); err != nil {
		return 0, &ParseError{Path: path, Reason: "DPS is not a number", Err: err}
	}
	return mean, nil
}
