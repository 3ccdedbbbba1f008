package gateway

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tessera/model"
)

// fixtureFile is the YAML shape of a fixture file. Any section may be
// omitted.
//
//	catalog:
//	  - ref: measure:revenue
//	    kind: measure
//	    title: Revenue
//	  - ref: displayForm:region.name
//	    kind: displayForm
//	    title: Region name
//	    attribute: attribute:region
//	insights:
//	  - ref: insight:sales
//	    title: Sales
//	    visualization: bar
//	    measures: [{localId: m1, item: measure:revenue}]
//	dashboards:
//	  - ref: dashboard:overview
//	    title: Overview
//	    layout: {sections: []}
type fixtureFile struct {
	Catalog    []fixtureCatalogItem `yaml:"catalog"`
	Insights   []fixtureInsight     `yaml:"insights"`
	Dashboards []yaml.Node          `yaml:"dashboards"`
}

type fixtureCatalogItem struct {
	Ref       string `yaml:"ref"`
	Kind      string `yaml:"kind"`
	Title     string `yaml:"title"`
	Attribute string `yaml:"attribute"`
}

type fixtureInsight struct {
	Ref           string          `yaml:"ref"`
	Title         string          `yaml:"title"`
	Visualization string          `yaml:"visualization"`
	Measures      []fixtureBucket `yaml:"measures"`
	Attributes    []fixtureBucket `yaml:"attributes"`
}

type fixtureBucket struct {
	LocalID string `yaml:"localId"`
	Item    string `yaml:"item"`
}

// Fixtures is an immutable set of catalog items, insights and seed
// dashboards.
type Fixtures struct {
	Catalog    map[model.ObjRef]model.CatalogItem
	Insights   map[model.ObjRef]model.InsightDefinition
	Dashboards map[model.ObjRef]model.Dashboard
	// Checksums maps each loaded file to the SHA-256 of its content.
	Checksums map[string]string
}

// NewFixtures returns an empty fixture set.
func NewFixtures() *Fixtures {
	return &Fixtures{
		Catalog:    make(map[model.ObjRef]model.CatalogItem),
		Insights:   make(map[model.ObjRef]model.InsightDefinition),
		Dashboards: make(map[model.ObjRef]model.Dashboard),
		Checksums:  make(map[string]string),
	}
}

// LoadFixtures recursively scans dir for *.yaml and *.yml files. A ref
// defined in two files is an error.
func LoadFixtures(dir string) (*Fixtures, error) {
	fx := NewFixtures()
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := fx.Parse(data); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		fx.Checksums[path] = fmt.Sprintf("%x", sha256.Sum256(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning fixtures %s: %w", dir, err)
	}
	return fx, nil
}

// Parse adds the contents of one YAML fixture document.
func (fx *Fixtures) Parse(data []byte) error {
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing fixtures: %w", err)
	}

	for i, c := range file.Catalog {
		item, err := c.toModel()
		if err != nil {
			return fmt.Errorf("catalog[%d]: %w", i, err)
		}
		if _, dup := fx.Catalog[item.Ref]; dup {
			return fmt.Errorf("catalog[%d]: duplicate ref %s", i, item.Ref)
		}
		fx.Catalog[item.Ref] = item
	}

	for i, in := range file.Insights {
		def, err := in.toModel()
		if err != nil {
			return fmt.Errorf("insights[%d]: %w", i, err)
		}
		if _, dup := fx.Insights[def.Ref]; dup {
			return fmt.Errorf("insights[%d]: duplicate ref %s", i, def.Ref)
		}
		fx.Insights[def.Ref] = def
	}

	for i := range file.Dashboards {
		d, err := decodeDashboard(&file.Dashboards[i])
		if err != nil {
			return fmt.Errorf("dashboards[%d]: %w", i, err)
		}
		if _, dup := fx.Dashboards[d.Ref]; dup {
			return fmt.Errorf("dashboards[%d]: duplicate ref %s", i, d.Ref)
		}
		fx.Dashboards[d.Ref] = d
	}
	return nil
}

func (c fixtureCatalogItem) toModel() (model.CatalogItem, error) {
	ref, err := model.ParseRef(c.Ref)
	if err != nil {
		return model.CatalogItem{}, err
	}
	kind := c.Kind
	if kind == "" {
		kind = ref.Type
	}
	item := model.CatalogItem{Ref: ref, Kind: kind, Title: c.Title}
	if c.Attribute != "" {
		attr, err := model.ParseRef(c.Attribute)
		if err != nil {
			return model.CatalogItem{}, fmt.Errorf("attribute: %w", err)
		}
		item.Attribute = &attr
	}
	if item.Kind == model.CatalogDisplayForm && item.Attribute == nil {
		return model.CatalogItem{}, fmt.Errorf("display form %s has no attribute", ref)
	}
	return item, nil
}

func (in fixtureInsight) toModel() (model.InsightDefinition, error) {
	ref, err := model.ParseRef(in.Ref)
	if err != nil {
		return model.InsightDefinition{}, err
	}
	def := model.InsightDefinition{Ref: ref, Title: in.Title, Visualization: in.Visualization}
	if def.Measures, err = toBuckets(in.Measures); err != nil {
		return model.InsightDefinition{}, fmt.Errorf("measures: %w", err)
	}
	if def.Attributes, err = toBuckets(in.Attributes); err != nil {
		return model.InsightDefinition{}, fmt.Errorf("attributes: %w", err)
	}
	return def, nil
}

func toBuckets(in []fixtureBucket) ([]model.InsightBucket, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]model.InsightBucket, 0, len(in))
	for _, b := range in {
		if b.LocalID == "" {
			return nil, fmt.Errorf("bucket without localId")
		}
		item, err := model.ParseRef(b.Item)
		if err != nil {
			return nil, err
		}
		out = append(out, model.InsightBucket{LocalID: b.LocalID, Item: item})
	}
	return out, nil
}

// decodeDashboard reads a dashboard written in YAML using its JSON field
// names.
func decodeDashboard(node *yaml.Node) (model.Dashboard, error) {
	var generic any
	if err := node.Decode(&generic); err != nil {
		return model.Dashboard{}, err
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return model.Dashboard{}, err
	}
	var d model.Dashboard
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Dashboard{}, err
	}
	if d.Ref.IsZero() {
		return model.Dashboard{}, fmt.Errorf("dashboard without ref")
	}
	return d, nil
}
