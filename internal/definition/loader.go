// Package definition loads the stage-transition table and the task template
// catalog from YAML, validates them, and serves them from a lock-free registry
// that can be swapped atomically on reload.
package definition

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stageflow/model"
)

//go:embed defaults/*.yaml
var defaultFS embed.FS

// TransitionSpec is the file form of a StageTransitionWorkflow.
type TransitionSpec struct {
	From             model.PipelineStage     `yaml:"from"`
	To               model.PipelineStage     `yaml:"to"`
	RequiredTasks    []string                `yaml:"required_tasks"`
	ValidationChecks []model.ValidationCheck `yaml:"validation_checks"`
	OnTransition     []model.ActionSpec      `yaml:"on_transition"`
}

// Pair returns the stage pair the spec is keyed by.
func (s TransitionSpec) Pair() model.StagePair {
	return model.StagePair{From: s.From, To: s.To}
}

// Workflow converts the spec into its typed form.
func (s TransitionSpec) Workflow() model.StageTransitionWorkflow {
	actions := make([]model.TransitionAction, 0, len(s.OnTransition))
	for _, a := range s.OnTransition {
		actions = append(actions, a.Decode())
	}
	return model.StageTransitionWorkflow{
		Pair:             s.Pair(),
		RequiredTasks:    append([]string(nil), s.RequiredTasks...),
		ValidationChecks: append([]model.ValidationCheck(nil), s.ValidationChecks...),
		OnTransition:     actions,
	}
}

// Document is one parsed definition file.
type Document struct {
	Version     string               `yaml:"version"`
	Transitions []TransitionSpec     `yaml:"transitions"`
	Templates   []model.TaskTemplate `yaml:"templates"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// Loader reads definition documents from the embedded defaults and from
// directories on disk, and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadDefaults parses the definitions compiled into the binary.
func (l *Loader) LoadDefaults() ([]Document, error) {
	entries, err := defaultFS.ReadDir("defaults")
	if err != nil {
		return nil, fmt.Errorf("reading embedded definitions: %w", err)
	}
	var docs []Document
	for _, e := range entries {
		path := "defaults/" + e.Name()
		data, err := defaultFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading embedded %s: %w", path, err)
		}
		doc, err := l.Parse(data, "embedded:"+e.Name())
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// LoadDir recursively scans dir for *.yaml and *.yml files. Files are returned
// in lexical path order so later files override earlier ones deterministically.
func (l *Loader) LoadDir(dir string) ([]Document, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		doc, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse decodes raw YAML into a Document and stamps its checksum and source.
func (l *Loader) Parse(data []byte, source string) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	doc.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	doc.SourceFile = source
	return doc, nil
}

// Load returns the embedded defaults followed by the documents found in dir.
// An empty dir loads only the defaults.
func (l *Loader) Load(dir string) ([]Document, error) {
	docs, err := l.LoadDefaults()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return docs, nil
	}
	extra, err := l.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return append(docs, extra...), nil
}
