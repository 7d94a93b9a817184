package action

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CallRecordingRetention turns on automatic deletion of call recordings after
// sixty days for every location.
var CallRecordingRetention = Feature{
	Name:        "call-recording-retention",
	Description: "Enable call recording deletion with a 60 day retention period",
	Method:      "PUT",
	Endpoint:    "https://backend.leadconnectorhq.com/phone-system/twilio-accounts",
	QueryParam:  "locationId",
	Payload: map[string]any{
		"enableCallRecordingDeletion":  true,
		"callRecordingRetentionPeriod": 60,
	},
}

// Catalog is the set of named features available to runs.
type Catalog struct {
	features map[string]Feature
}

type catalogFile struct {
	Features []Feature `yaml:"features"`
}

// Builtin returns a catalog with only the compiled-in features.
func Builtin() *Catalog {
	return &Catalog{features: map[string]Feature{
		CallRecordingRetention.Name: CallRecordingRetention,
	}}
}

// LoadCatalog returns the built-in features plus those defined in the YAML
// file at path. An empty path yields the built-ins. File entries override
// built-ins with the same name.
func LoadCatalog(path string) (*Catalog, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse feature catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Features))
	for i, f := range file.Features {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("feature catalog %s entry %d: %w", path, i, err)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("feature catalog %s: duplicate feature %q", path, f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, builtin := c.features[f.Name]; builtin {
			slog.Info("feature catalog overrides built-in", "feature", f.Name)
		}
		c.features[f.Name] = f
	}

	slog.Info("feature catalog loaded", "path", path, "features", len(c.features))
	return c, nil
}

// Get returns the named feature.
func (c *Catalog) Get(name string) (Feature, bool) {
	f, ok := c.features[name]
	return f, ok
}

// List returns all features sorted by name.
func (c *Catalog) List() []Feature {
	out := make([]Feature, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
