package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/skyform/skyform/pkg/engine"
)

var validate = validator.New()

// Load reads and validates a desired-state document from a YAML file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a desired-state document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return &doc, nil
}

// EngineResources converts the declared specs into engine resources,
// parsing "${kind.name.path}" attribute strings into references and filling
// the default lifecycle.
func (d *Document) EngineResources() ([]*engine.Resource, error) {
	resources := make([]*engine.Resource, 0, len(d.Resources))
	for i := range d.Resources {
		res, err := d.Resources[i].engineResource()
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func (spec *ResourceSpec) engineResource() (*engine.Resource, error) {
	lifecycle := engine.LifecyclePolicy(spec.Lifecycle)
	if lifecycle == "" {
		lifecycle = engine.LifecycleDestroyThenCreate
	}

	attrs := make(engine.Attrs, len(spec.Attributes))
	for name, raw := range spec.Attributes {
		v, err := convertValue(raw)
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s, attribute %q: %w", spec.Kind, spec.Name, name, err)
		}
		attrs[name] = v
	}

	var immutable map[string]bool
	if len(spec.Immutable) > 0 {
		immutable = make(map[string]bool, len(spec.Immutable))
		for _, name := range spec.Immutable {
			immutable[name] = true
		}
	}

	res := &engine.Resource{
		Key:        engine.Key{Kind: engine.Kind(spec.Kind), Name: spec.Name},
		Attributes: attrs,
		Immutable:  immutable,
		Lifecycle:  lifecycle,
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// convertValue maps a decoded YAML value onto the engine's attribute tree.
// Only a whole-string "${...}" marker becomes a reference; partial
// interpolation is not supported.
func convertValue(raw interface{}) (engine.Value, error) {
	switch v := raw.(type) {
	case string:
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			ref, err := engine.ParseRef(v[2 : len(v)-1])
			if err != nil {
				return nil, err
			}
			return ref, nil
		}
		return engine.Literal{V: v}, nil

	case []interface{}:
		items := make([]engine.Value, 0, len(v))
		for _, item := range v {
			converted, err := convertValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, converted)
		}
		return engine.List{Items: items}, nil

	case map[string]interface{}:
		attrs := make(engine.Attrs, len(v))
		for name, item := range v {
			converted, err := convertValue(item)
			if err != nil {
				return nil, err
			}
			attrs[name] = converted
		}
		return engine.Block{Attrs: attrs}, nil

	case nil:
		return engine.Literal{}, nil

	default:
		// Scalars: numbers and booleans as decoded by the YAML parser.
		return engine.Literal{V: v}, nil
	}
}
