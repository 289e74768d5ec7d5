// Package taskbundle turns stored or uploaded JSON into checked task bundles.
package taskbundle

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"geoquest-engine/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed bundle.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("bundle.schema.json", schemaJSON)

// Parse validates raw against the bundle schema, decodes it and runs the semantic checks the
// schema cannot express (unique task ids, validator completeness).
func Parse(raw []byte) (domain.TaskBundle, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return domain.TaskBundle{}, fmt.Errorf("%w: %v", domain.ErrInvalidBundle, err)
	}
	if err := schema.Validate(doc); err != nil {
		return domain.TaskBundle{}, fmt.Errorf("%w: %v", domain.ErrInvalidBundle, err)
	}

	var bundle domain.TaskBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return domain.TaskBundle{}, fmt.Errorf("%w: %v", domain.ErrInvalidBundle, err)
	}
	if err := bundle.Check(); err != nil {
		return domain.TaskBundle{}, err
	}
	return bundle, nil
}

// Marshal encodes a bundle after checking it, so only playable bundles get stored.
func Marshal(bundle domain.TaskBundle) ([]byte, error) {
	if err := bundle.Check(); err != nil {
		return nil, err
	}
	return json.Marshal(bundle)
}

// LoadDir parses every *.json file in dir, keyed by bundle id.
func LoadDir(dir string) (map[string]domain.TaskBundle, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	bundles := make(map[string]domain.TaskBundle, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		bundle, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if _, dup := bundles[bundle.ID]; dup {
			return nil, fmt.Errorf("%s: %w: duplicate bundle id %s", filepath.Base(path), domain.ErrInvalidBundle, bundle.ID)
		}
		bundles[bundle.ID] = bundle
	}
	return bundles, nil
}
