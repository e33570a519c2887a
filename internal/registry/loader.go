package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinPipelines []byte

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// pipelineFile is the YAML shape of one job type definition.
type pipelineFile struct {
	JobType string      `yaml:"job_type"`
	Stages  []stageFile `yaml:"stages"`
}

type stageFile struct {
	StageDefinition `yaml:",inline"`
	Config          map[string]any `yaml:"config"`
}

// RegisterBuiltins registers the job types shipped with Montage.
func (r *Registry) RegisterBuiltins() error {
	return r.LoadYAML(builtinPipelines, "builtin.yaml")
}

// LoadDir registers every *.yaml and *.yml file in dir, in lexical order. A
// missing directory is not an error.
func (r *Registry) LoadDir(dir string) (int, error) {
	if strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pipelines dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		if err := r.LoadYAML(data, path); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

// LoadYAML registers the job types declared in a YAML document stream.
// Several job types may share one file as separate documents. ${VAR}
// references in stage config are expanded from the environment.
func (r *Registry) LoadYAML(data []byte, source string) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	for {
		var file pipelineFile
		err := decoder.Decode(&file)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", source, err)
		}
		stages := make([]StageDefinition, 0, len(file.Stages))
		for _, sf := range file.Stages {
			def := sf.StageDefinition
			if len(sf.Config) > 0 {
				encoded, err := json.Marshal(expandEnv(sf.Config))
				if err != nil {
					return fmt.Errorf("%s: stage %q config: %w", source, def.Name, err)
				}
				def.Config = encoded
			}
			stages = append(stages, def)
		}
		if err := r.Register(file.JobType, stages); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}
}

func expandEnv(value any) any {
	switch v := value.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(v, func(match string) string {
			name := envVarPattern.FindStringSubmatch(match)[1]
			return os.Getenv(name)
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = expandEnv(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = expandEnv(item)
		}
		return out
	default:
		return v
	}
}
