// Package metadata loads the cube catalog and exposes, per segment, the
// row-key encodings and resource paths the estimator and collector need.
package metadata

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/pkg/models"
)

// Catalog is the YAML document listing cubes and their built segments.
type Catalog struct {
	Cubes []Cube `yaml:"cubes"`
}

// Cube is a cube descriptor plus its segments.
type Cube struct {
	models.CubeDesc `yaml:",inline"`
	Segments        []SegmentDesc `yaml:"segments"`
}

// SegmentDesc is one built slice of a cube.
type SegmentDesc struct {
	Name string `yaml:"name"`
	UUID string `yaml:"uuid"`

	// Dictionaries maps a column to its dictionary resource path. Columns
	// without an entry use DefaultDictionaryPath.
	Dictionaries map[string]string `yaml:"dictionaries,omitempty"`
}

// ParseCatalog decodes and validates a catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parsing catalog YAML")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog loads a catalog from a YAML file.
func LoadCatalog(filepath string) (*Catalog, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, errors.Wrap(err, "reading catalog file")
	}
	return ParseCatalog(data)
}

// LoadCatalogResource loads a catalog stored in a resource store.
func LoadCatalogResource(ctx context.Context, store resource.Store, path string) (*Catalog, error) {
	data, _, err := resource.ReadAll(ctx, store, path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// Marshal encodes the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "encoding catalog YAML")
}

// Validate checks every cube and segment.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Cubes))
	for i := range c.Cubes {
		cube := &c.Cubes[i]
		if err := cube.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cube.Name]; dup {
			return errors.Wrapf(models.ErrInvalidConfiguration, "duplicate cube %s", cube.Name)
		}
		seen[cube.Name] = struct{}{}

		if pc := cube.PartitionDateColumn; pc != "" {
			if _, ok := cube.DimensionIndex(pc); !ok {
				return errors.Wrapf(models.ErrInvalidConfiguration,
					"cube %s: partition column %s is not a dimension", cube.Name, pc)
			}
		}

		segs := make(map[string]struct{}, len(cube.Segments))
		for _, s := range cube.Segments {
			if s.UUID == "" {
				return errors.Wrapf(models.ErrInvalidConfiguration, "cube %s: segment %q without uuid", cube.Name, s.Name)
			}
			if _, dup := segs[s.UUID]; dup {
				return errors.Wrapf(models.ErrInvalidConfiguration, "cube %s: duplicate segment %s", cube.Name, s.UUID)
			}
			segs[s.UUID] = struct{}{}
			if err := cube.validatePaths(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// validatePaths checks the resource paths collection publishes to, so a
// name the store would refuse fails before any job runs.
func (c *Cube) validatePaths(s SegmentDesc) error {
	seg := NewSegment(&c.CubeDesc, s, nil)
	paths := []string{seg.StatisticsPath()}
	for _, d := range c.Dimensions {
		if d.UsesDictionary() {
			paths = append(paths, seg.DictionaryPath(d.Name))
		}
	}
	for _, p := range paths {
		if err := models.ValidateResourcePath(p); err != nil {
			return errors.Mark(errors.Wrapf(err, "cube %s: segment %s", c.Name, s.UUID), models.ErrInvalidConfiguration)
		}
	}
	return nil
}

// Cube returns the named cube.
func (c *Catalog) Cube(name string) (*Cube, error) {
	for i := range c.Cubes {
		if c.Cubes[i].Name == name {
			return &c.Cubes[i], nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "cube %s", name)
}

// Segment returns the segment with the given name or uuid.
func (c *Cube) Segment(nameOrUUID string) (SegmentDesc, error) {
	for _, s := range c.Segments {
		if s.UUID == nameOrUUID || s.Name == nameOrUUID {
			return s, nil
		}
	}
	return SegmentDesc{}, errors.Wrapf(models.ErrNotFound, "cube %s: segment %s", c.Name, nameOrUUID)
}

// AddSegment appends or replaces a segment by uuid.
func (c *Cube) AddSegment(s SegmentDesc) {
	for i := range c.Segments {
		if c.Segments[i].UUID == s.UUID {
			c.Segments[i] = s
			return
		}
	}
	c.Segments = append(c.Segments, s)
}
