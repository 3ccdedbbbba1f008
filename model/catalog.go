package model

import "context"

// Catalog item kinds.
const (
	CatalogMeasure     = "measure"
	CatalogFact        = "fact"
	CatalogAttribute   = "attribute"
	CatalogDisplayForm = "displayForm"
	CatalogDateDataSet = "dateDataSet"
)

// CatalogItem is analytical metadata referenced by widgets and filters.
type CatalogItem struct {
	Ref       ObjRef  `json:"ref" yaml:"-"`
	Kind      string  `json:"kind" yaml:"kind"`
	Title     string  `json:"title" yaml:"title"`
	Attribute *ObjRef `json:"attribute,omitempty" yaml:"-"`
}

// InsightDefinition is a saved visualization. Drill origins refer to the
// local ids of its measures and attributes.
type InsightDefinition struct {
	Ref           ObjRef          `json:"ref"`
	Title         string          `json:"title"`
	Visualization string          `json:"visualization"`
	Measures      []InsightBucket `json:"measures,omitempty"`
	Attributes    []InsightBucket `json:"attributes,omitempty"`
}

// InsightBucket is one measure or attribute slot of an insight.
type InsightBucket struct {
	LocalID string `json:"localId"`
	Item    ObjRef `json:"item"`
}

// HasOrigin reports whether localID names a measure or attribute slot.
func (d InsightDefinition) HasOrigin(localID string) bool {
	for _, b := range d.Measures {
		if b.LocalID == localID {
			return true
		}
	}
	for _, b := range d.Attributes {
		if b.LocalID == localID {
			return true
		}
	}
	return false
}

// Gateway is the backend collaborator used by command handlers. Every call
// honors ctx cancellation. Failures are *Failure values with reasons
// NotFound, ProtectedOrPermissionDenied or BackendUnavailable.
type Gateway interface {
	LoadCatalogItem(ctx context.Context, ref ObjRef) (CatalogItem, error)
	LoadInsight(ctx context.Context, ref ObjRef) (InsightDefinition, error)
	LoadDashboard(ctx context.Context, ref ObjRef) (Dashboard, error)
	// Persist stores the dashboard and returns the new version. Persisting the
	// same document twice is harmless.
	Persist(ctx context.Context, d Dashboard) (int, error)
}
