package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"montage/internal/fingerprint"
	"montage/internal/services"
)

// ItemSpec is one job to run within a batch. Requirements name the format
// and resource settings the item needs; each one the batch configuration
// also sets must match it.
type ItemSpec struct {
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Requirements map[string]any  `json:"requirements,omitempty"`
}

func decodeSpec(raw json.RawMessage) (ItemSpec, error) {
	var spec ItemSpec
	if len(bytes.TrimSpace(raw)) == 0 {
		return spec, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, services.Wrap(services.ErrValidation, "batch", "decode item", "invalid item spec", err)
	}
	return spec, nil
}

func encodeSpec(spec ItemSpec) (json.RawMessage, error) {
	raw, err := fingerprint.Canonical(spec)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "batch", "encode item", "invalid item spec", err)
	}
	return raw, nil
}

func decodeConfig(raw json.RawMessage) (map[string]any, error) {
	cfg := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, services.Wrap(services.ErrValidation, "batch", "decode config", "batch config must be a JSON object", err)
	}
	return cfg, nil
}

// incompatibilities lists every requirement of spec that contradicts cfg.
func incompatibilities(cfg map[string]any, spec ItemSpec) ([]string, error) {
	keys := make([]string, 0, len(spec.Requirements))
	for key := range spec.Requirements {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var mismatched []string
	for _, key := range keys {
		want, ok := cfg[key]
		if !ok {
			continue
		}
		same, err := equalJSON(want, spec.Requirements[key])
		if err != nil {
			return nil, err
		}
		if !same {
			mismatched = append(mismatched, key)
		}
	}
	return mismatched, nil
}

func equalJSON(a, b any) (bool, error) {
	ca, err := fingerprint.Canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := fingerprint.Canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func describe(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(raw)
}
