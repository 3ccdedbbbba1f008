package model

import "slices"

// DefaultGridColumns is the column count of a layout that does not declare one.
const DefaultGridColumns = 12

// Dashboard is the persisted public shape of a dashboard document. The
// Backend Gateway loads and persists exactly this structure.
type Dashboard struct {
	Ref         ObjRef            `json:"ref"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Version     int               `json:"version"`
	Layout      Layout            `json:"layout"`
	Widgets     map[ObjRef]Widget `json:"widgets,omitempty"`
	Filters     FilterContext     `json:"filters"`
	Alerts      []Alert           `json:"alerts,omitempty"`
}

// Layout is a grid of sections. Each section flows its items into rows of
// at most Columns grid units.
type Layout struct {
	Columns  int       `json:"columns,omitempty"`
	Sections []Section `json:"sections,omitempty"`
}

// GridColumns returns the effective column count.
func (l *Layout) GridColumns() int {
	if l == nil || l.Columns <= 0 {
		return DefaultGridColumns
	}
	return l.Columns
}

// Section is an ordered run of items with an optional header.
type Section struct {
	Header SectionHeader `json:"header"`
	Items  []Item        `json:"items,omitempty"`
}

// SectionHeader is the visible title block of a section.
type SectionHeader struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Item is one grid cell. A nil Widget marks an empty item.
type Item struct {
	Size   ItemSize `json:"size"`
	Widget *ObjRef  `json:"widget,omitempty"`
}

// ItemSize is measured in grid units.
type ItemSize struct {
	GridWidth  int `json:"gridWidth"`
	GridHeight int `json:"gridHeight"`
}

// Widget kinds.
const (
	WidgetInsight  = "insight"
	WidgetKPI      = "kpi"
	WidgetRichText = "richText"
	WidgetSwitcher = "visualizationSwitcher"
	WidgetLayout   = "layout"
)

// Widget is a kind-tagged placeable unit. Only the fields of its kind are set.
type Widget struct {
	Ref         ObjRef `json:"ref"`
	Kind        string `json:"kind"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Insight  *ObjRef         `json:"insight,omitempty"`
	KPI      *KPIConfig      `json:"kpi,omitempty"`
	RichText string          `json:"richText,omitempty"`
	Switcher *SwitcherConfig `json:"switcher,omitempty"`
	Layout   *Layout         `json:"layout,omitempty"`

	DateDataSet     *ObjRef         `json:"dateDataSet,omitempty"`
	IgnoredFilters  []IgnoredFilter `json:"ignoredFilters,omitempty"`
	FilterOverrides []WidgetFilter  `json:"filterOverrides,omitempty"`
	Drills          []Drill         `json:"drills,omitempty"`
}

// KPI comparison types.
const (
	ComparisonNone           = "none"
	ComparisonPreviousPeriod = "previousPeriod"
	ComparisonLastYear       = "lastYear"
)

// KPI comparison directions.
const (
	DirectionGrowIsGood = "growIsGood"
	DirectionGrowIsBad  = "growIsBad"
)

// KPIConfig configures a KPI widget. A nil Measure is a placeholder KPI.
type KPIConfig struct {
	Measure             *ObjRef `json:"measure,omitempty"`
	ComparisonType      string  `json:"comparisonType,omitempty"`
	ComparisonDirection string  `json:"comparisonDirection,omitempty"`
}

// SwitcherConfig holds the visualizations of a switcher widget.
type SwitcherConfig struct {
	Visualizations []SwitcherVisualization `json:"visualizations,omitempty"`
	Active         int                     `json:"active"`
}

// SwitcherVisualization is one insight a switcher can show.
type SwitcherVisualization struct {
	LocalID string `json:"localId"`
	Title   string `json:"title,omitempty"`
	Insight ObjRef `json:"insight"`
}

// IgnoredFilter marks a dashboard attribute filter the widget ignores.
type IgnoredFilter struct {
	FilterLocalID string `json:"filterLocalId"`
	Broken        bool   `json:"broken,omitempty"`
}

// Widget filter override kinds.
const (
	WidgetFilterAttribute    = "attribute"
	WidgetFilterMeasureValue = "measureValue"
	WidgetFilterRanking      = "ranking"
)

// WidgetFilter is a per-widget filter override.
type WidgetFilter struct {
	LocalID string `json:"localId"`
	Kind    string `json:"kind"`

	// attribute
	DisplayForm *ObjRef  `json:"displayForm,omitempty"`
	Elements    []string `json:"elements,omitempty"`
	Negative    bool     `json:"negative,omitempty"`

	// measureValue and ranking
	Measure  *ObjRef `json:"measure,omitempty"`
	Operator string  `json:"operator,omitempty"`
	Value    float64 `json:"value,omitempty"`

	// ranking
	Attribute *ObjRef `json:"attribute,omitempty"`
	Limit     int     `json:"limit,omitempty"`

	Broken       bool   `json:"broken,omitempty"`
	BrokenReason string `json:"brokenReason,omitempty"`
}

// CatalogRefs returns the catalog objects the override refers to.
func (f WidgetFilter) CatalogRefs() []ObjRef {
	var refs []ObjRef
	for _, r := range []*ObjRef{f.DisplayForm, f.Measure, f.Attribute} {
		if r != nil {
			refs = append(refs, *r)
		}
	}
	return refs
}

// Drill types.
const (
	DrillToInsight   = "drillToInsight"
	DrillToDashboard = "drillToDashboard"
	DrillToWidget    = "drillToWidget"
	DrillToURL       = "drillToUrl"
)

// Drill configures an interaction from a measure or attribute of a widget's
// insight to some target.
type Drill struct {
	LocalID      string   `json:"localId"`
	Type         string   `json:"type"`
	Origin       string   `json:"origin"`
	Target       *ObjRef  `json:"target,omitempty"`
	URL          string   `json:"url,omitempty"`
	PassFilters  []string `json:"passFilters,omitempty"`
	Broken       bool     `json:"broken,omitempty"`
	BrokenReason string   `json:"brokenReason,omitempty"`
}

// Date filter types.
const (
	DateFilterAllTime  = "allTime"
	DateFilterRelative = "relative"
	DateFilterAbsolute = "absolute"
)

// FilterContext is the ordered set of dashboard-level filters.
type FilterContext struct {
	DateFilter       *DateFilter       `json:"dateFilter,omitempty"`
	AttributeFilters []AttributeFilter `json:"attributeFilters,omitempty"`
}

// DateFilter selects a date range. Relative ranges use integer offsets in
// units of Granularity; absolute ranges use ISO dates.
type DateFilter struct {
	Type        string `json:"type"`
	Granularity string `json:"granularity,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
}

// AttributeFilter filters by elements of an attribute display form.
type AttributeFilter struct {
	LocalID     string   `json:"localId"`
	DisplayForm ObjRef   `json:"displayForm"`
	Title       string   `json:"title,omitempty"`
	Elements    []string `json:"elements,omitempty"`
	Negative    bool     `json:"negative,omitempty"`
}

// Alert conditions.
const (
	AlertAboveThreshold = "aboveThreshold"
	AlertUnderThreshold = "underThreshold"
)

// Alert is a threshold alert on a KPI widget.
type Alert struct {
	ID            string   `json:"id"`
	Widget        ObjRef   `json:"widget"`
	Threshold     float64  `json:"threshold"`
	WhenTriggered string   `json:"whenTriggered"`
	Filters       []string `json:"filters,omitempty"`
	Broken        bool     `json:"broken,omitempty"`
	BrokenReason  string   `json:"brokenReason,omitempty"`
}

// Clone returns a deep copy of the dashboard.
func (d Dashboard) Clone() Dashboard {
	out := d
	out.Layout = d.Layout.Clone()
	if d.Widgets != nil {
		out.Widgets = make(map[ObjRef]Widget, len(d.Widgets))
		for ref, w := range d.Widgets {
			out.Widgets[ref] = w.Clone()
		}
	}
	out.Filters = d.Filters.Clone()
	if d.Alerts != nil {
		out.Alerts = make([]Alert, len(d.Alerts))
		for i, a := range d.Alerts {
			out.Alerts[i] = a.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the layout.
func (l Layout) Clone() Layout {
	out := l
	if l.Sections != nil {
		out.Sections = make([]Section, len(l.Sections))
		for i, s := range l.Sections {
			out.Sections[i] = s.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the section.
func (s Section) Clone() Section {
	out := s
	if s.Items != nil {
		out.Items = make([]Item, len(s.Items))
		for i, it := range s.Items {
			out.Items[i] = it.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := it
	out.Widget = cloneRef(it.Widget)
	return out
}

// Clone returns a deep copy of the widget.
func (w Widget) Clone() Widget {
	out := w
	out.Insight = cloneRef(w.Insight)
	out.DateDataSet = cloneRef(w.DateDataSet)
	if w.KPI != nil {
		k := *w.KPI
		k.Measure = cloneRef(w.KPI.Measure)
		out.KPI = &k
	}
	if w.Switcher != nil {
		s := *w.Switcher
		s.Visualizations = slices.Clone(w.Switcher.Visualizations)
		out.Switcher = &s
	}
	if w.Layout != nil {
		l := w.Layout.Clone()
		out.Layout = &l
	}
	out.IgnoredFilters = slices.Clone(w.IgnoredFilters)
	if w.FilterOverrides != nil {
		out.FilterOverrides = make([]WidgetFilter, len(w.FilterOverrides))
		for i, f := range w.FilterOverrides {
			out.FilterOverrides[i] = f.Clone()
		}
	}
	if w.Drills != nil {
		out.Drills = make([]Drill, len(w.Drills))
		for i, d := range w.Drills {
			out.Drills[i] = d.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the override.
func (f WidgetFilter) Clone() WidgetFilter {
	out := f
	out.DisplayForm = cloneRef(f.DisplayForm)
	out.Measure = cloneRef(f.Measure)
	out.Attribute = cloneRef(f.Attribute)
	out.Elements = slices.Clone(f.Elements)
	return out
}

// Clone returns a deep copy of the drill.
func (d Drill) Clone() Drill {
	out := d
	out.Target = cloneRef(d.Target)
	out.PassFilters = slices.Clone(d.PassFilters)
	return out
}

// Clone returns a deep copy of the filter context.
func (fc FilterContext) Clone() FilterContext {
	out := fc
	if fc.DateFilter != nil {
		df := *fc.DateFilter
		out.DateFilter = &df
	}
	if fc.AttributeFilters != nil {
		out.AttributeFilters = make([]AttributeFilter, len(fc.AttributeFilters))
		for i, af := range fc.AttributeFilters {
			af.Elements = slices.Clone(af.Elements)
			out.AttributeFilters[i] = af
		}
	}
	return out
}

// AttributeFilter returns the filter with the given local id.
func (fc FilterContext) AttributeFilter(localID string) (AttributeFilter, int, bool) {
	for i, af := range fc.AttributeFilters {
		if af.LocalID == localID {
			return af, i, true
		}
	}
	return AttributeFilter{}, -1, false
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	out := a
	out.Filters = slices.Clone(a.Filters)
	return out
}

func cloneRef(r *ObjRef) *ObjRef {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// RefPtr returns a pointer to a copy of r.
func RefPtr(r ObjRef) *ObjRef { return &r }
