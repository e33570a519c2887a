// Package registry declares the ordered stages of each job type.
//
// Registration happens at process start. Definitions are validated as a DAG
// (no cycles, no self-references, no references to undefined or later
// stages) and the registry becomes read-only once frozen, so lookups never
// race with mutation.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StageDefinition declares one step of a job type.
type StageDefinition struct {
	Name             string          `yaml:"name" json:"name"`
	Ordinal          int             `yaml:"-" json:"ordinal"`
	Inputs           []string        `yaml:"inputs" json:"inputs,omitempty"`
	Output           string          `yaml:"output" json:"output"`
	RequiresApproval bool            `yaml:"requires_approval" json:"requires_approval"`
	DependsOn        []string        `yaml:"depends_on" json:"depends_on,omitempty"`
	Config           json.RawMessage `yaml:"-" json:"config,omitempty"`
	MaxAttempts      int             `yaml:"max_attempts" json:"max_attempts,omitempty"`
	TimeoutSeconds   int             `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Registry maps job types to their ordered stage definitions.
type Registry struct {
	mu     sync.RWMutex
	types  map[string][]StageDefinition
	frozen bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string][]StageDefinition)}
}

// Register validates and stores the stages of jobType. Ordinals are assigned
// from declaration order starting at zero.
func (r *Registry) Register(jobType string, stages []StageDefinition) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return &InvalidGraphError{JobType: jobType, Reason: "job type name is required"}
	}
	normalized, err := validate(jobType, stages)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.types[jobType]; exists {
		return &InvalidGraphError{JobType: jobType, Reason: "job type already registered"}
	}
	r.types[jobType] = normalized
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Stages returns a copy of the ordered definitions for jobType.
func (r *Registry) Stages(jobType string) ([]StageDefinition, error) {
	r.mu.RLock()
	defs, ok := r.types[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownJobTypeError{JobType: jobType}
	}
	out := make([]StageDefinition, len(defs))
	for i, def := range defs {
		out[i] = cloneDefinition(def)
	}
	return out, nil
}

// Stage returns a single stage definition.
func (r *Registry) Stage(jobType, name string) (StageDefinition, error) {
	defs, err := r.Stages(jobType)
	if err != nil {
		return StageDefinition{}, err
	}
	for _, def := range defs {
		if def.Name == name {
			return def, nil
		}
	}
	return StageDefinition{}, &UnknownStageError{JobType: jobType, Stage: name}
}

// First returns the first stage of jobType.
func (r *Registry) First(jobType string) (StageDefinition, error) {
	defs, err := r.Stages(jobType)
	if err != nil {
		return StageDefinition{}, err
	}
	return defs[0], nil
}

// Next returns the stage after name, or ok=false when name is the last stage.
func (r *Registry) Next(jobType, name string) (StageDefinition, bool, error) {
	defs, err := r.Stages(jobType)
	if err != nil {
		return StageDefinition{}, false, err
	}
	for i, def := range defs {
		if def.Name != name {
			continue
		}
		if i+1 < len(defs) {
			return defs[i+1], true, nil
		}
		return StageDefinition{}, false, nil
	}
	return StageDefinition{}, false, &UnknownStageError{JobType: jobType, Stage: name}
}

// JobTypes lists registered job types alphabetically.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func cloneDefinition(def StageDefinition) StageDefinition {
	def.Inputs = append([]string(nil), def.Inputs...)
	def.DependsOn = append([]string(nil), def.DependsOn...)
	def.Config = append(json.RawMessage(nil), def.Config...)
	return def
}

func validate(jobType string, stages []StageDefinition) ([]StageDefinition, error) {
	if len(stages) == 0 {
		return nil, &InvalidGraphError{JobType: jobType, Reason: "at least one stage is required"}
	}
	ordinals := make(map[string]int, len(stages))
	out := make([]StageDefinition, len(stages))
	for i, stage := range stages {
		stage = cloneDefinition(stage)
		stage.Name = strings.TrimSpace(stage.Name)
		if stage.Name == "" {
			return nil, &InvalidGraphError{JobType: jobType, Reason: fmt.Sprintf("stage %d has no name", i)}
		}
		if _, dup := ordinals[stage.Name]; dup {
			return nil, &InvalidGraphError{JobType: jobType, Stage: stage.Name, Reason: "duplicate stage name"}
		}
		if len(stage.Config) > 0 && !json.Valid(stage.Config) {
			return nil, &InvalidGraphError{JobType: jobType, Stage: stage.Name, Reason: "stage config is not valid JSON"}
		}
		stage.Ordinal = i
		ordinals[stage.Name] = i
		out[i] = stage
	}

	for _, stage := range out {
		for _, dep := range stage.DependsOn {
			if dep == stage.Name {
				return nil, &InvalidGraphError{JobType: jobType, Stage: stage.Name, Reason: "stage depends on itself"}
			}
			if _, ok := ordinals[dep]; !ok {
				return nil, &InvalidGraphError{JobType: jobType, Stage: stage.Name, Reason: fmt.Sprintf("depends_on references undefined stage %q", dep)}
			}
		}
	}

	if cycle := findCycle(out); cycle != nil {
		return nil, &InvalidGraphError{JobType: jobType, Stage: cycle[0], Reason: "dependency cycle: " + strings.Join(cycle, " -> ")}
	}

	// Stages run strictly in declared order, so a dependency on a later stage
	// could never be satisfied.
	for _, stage := range out {
		for _, dep := range stage.DependsOn {
			if ordinals[dep] > stage.Ordinal {
				return nil, &InvalidGraphError{JobType: jobType, Stage: stage.Name, Reason: fmt.Sprintf("depends_on references later stage %q", dep)}
			}
		}
	}
	return out, nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a colour-marking DFS over depends_on edges and returns the
// stages forming the first cycle found, or nil.
func findCycle(stages []StageDefinition) []string {
	deps := make(map[string][]string, len(stages))
	for _, stage := range stages {
		deps[stage.Name] = stage.DependsOn
	}
	colors := make(map[string]int, len(stages))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colors[name] = gray
		path = append(path, name)
		for _, dep := range deps[name] {
			switch colors[dep] {
			case gray:
				for i, n := range path {
					if n == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		colors[name] = black
		return nil
	}

	for _, stage := range stages {
		if colors[stage.Name] == white {
			if cycle := visit(stage.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
