package proxyvisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Indicator publishes a persistent "background task active" marker.
type Indicator interface {
	Show(instances []string) error
	Clear() error
}

type nopIndicator struct{}

func (nopIndicator) Show([]string) error { return nil }
func (nopIndicator) Clear() error        { return nil }

// Indicators fans Show and Clear out to several indicators.
type Indicators []Indicator

func (m Indicators) Show(instances []string) error {
	var errs []error
	for _, ind := range m {
		errs = append(errs, ind.Show(instances))
	}
	return errors.Join(errs...)
}

func (m Indicators) Clear() error {
	var errs []error
	for _, ind := range m {
		errs = append(errs, ind.Clear())
	}
	return errors.Join(errs...)
}

// Status is the document a StatusFile holds while active.
type Status struct {
	PID       int       `json:"pid"`
	Active    bool      `json:"active"`
	Since     time.Time `json:"since"`
	Updated   time.Time `json:"updated"`
	Instances []string  `json:"instances"`
}

// StatusFile keeps a JSON status document on disk while instances run and
// removes it when the supervisor goes idle.
type StatusFile struct {
	Path  string
	since time.Time
}

func NewStatusFile(path string) *StatusFile {
	return &StatusFile{Path: path}
}

func (f *StatusFile) Show(instances []string) error {
	now := time.Now()
	if f.since.IsZero() {
		f.since = now
	}
	data, err := json.MarshalIndent(Status{
		PID:       os.Getpid(),
		Active:    true,
		Since:     f.since,
		Updated:   now,
		Instances: instances,
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.Path, append(data, '\n'))
}

func (f *StatusFile) Clear() error {
	f.since = time.Time{}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadStatus loads a status document written by StatusFile.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse status %s: %w", path, err)
	}
	return &st, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
