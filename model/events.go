package model

// Success event types.
const (
	EventLayoutSectionAdded              = "LayoutSectionAdded"
	EventLayoutSectionRemoved            = "LayoutSectionRemoved"
	EventLayoutSectionMoved              = "LayoutSectionMoved"
	EventLayoutSectionHeaderChanged      = "LayoutSectionHeaderChanged"
	EventSectionItemsAdded               = "SectionItemsAdded"
	EventSectionItemReplaced             = "SectionItemReplaced"
	EventSectionItemRemoved              = "SectionItemRemoved"
	EventSectionItemMoved                = "SectionItemMoved"
	EventItemWidthResized                = "ItemWidthResized"
	EventItemHeightsResized              = "ItemHeightsResized"
	EventWidgetRemoved                   = "WidgetRemoved"
	EventWidgetHeaderChanged             = "WidgetHeaderChanged"
	EventWidgetDescriptionChanged        = "WidgetDescriptionChanged"
	EventInsightWidgetInsightChanged     = "InsightWidgetInsightChanged"
	EventKpiWidgetMeasureChanged         = "KpiWidgetMeasureChanged"
	EventKpiWidgetComparisonChanged      = "KpiWidgetComparisonChanged"
	EventRichTextWidgetContentChanged    = "RichTextWidgetContentChanged"
	EventWidgetFilterSettingsChanged     = "WidgetFilterSettingsChanged"
	EventWidgetFilterChanged             = "WidgetFilterChanged"
	EventVisualizationAddedToSwitcher    = "VisualizationAddedToSwitcher"
	EventSwitcherActiveChanged           = "SwitcherActiveVisualizationChanged"
	EventDrillsForWidgetSet              = "DrillsForWidgetSet"
	EventDrillsForWidgetRemoved          = "DrillsForWidgetRemoved"
	EventAlertCreated                    = "AlertCreated"
	EventAlertUpdated                    = "AlertUpdated"
	EventAlertsRemoved                   = "AlertsRemoved"
	EventDateFilterChanged               = "DateFilterSelectionChanged"
	EventAttributeFilterAdded            = "AttributeFilterAdded"
	EventAttributeFiltersRemoved         = "AttributeFiltersRemoved"
	EventAttributeFilterMoved            = "AttributeFilterMoved"
	EventAttributeFilterSelectionChanged = "AttributeFilterSelectionChanged"
	EventAttributeFilterDisplayForm      = "AttributeFilterDisplayFormChanged"
	EventDashboardRenamed                = "DashboardRenamed"
	EventDashboardSaved                  = "DashboardSaved"
	EventDashboardReloaded               = "DashboardReloaded"
	EventUndone                          = "Undone"
	EventRedone                          = "Redone"
	EventWidgetSelected                  = "WidgetSelected"
	EventDialogOpened                    = "DialogOpened"
	EventDialogClosed                    = "DialogClosed"
)

// Kinds of dependent configuration that can be flagged broken.
const (
	BrokenDrill          = "drill"
	BrokenAlert          = "alert"
	BrokenFilterOverride = "filterOverride"
	BrokenIgnoredFilter  = "ignoredFilter"
)

// BrokenRef reports a dependent configuration that a committed command left
// pointing at something that no longer resolves.
type BrokenRef struct {
	Kind    string `json:"kind"`
	Owner   ObjRef `json:"owner,omitempty"`
	LocalID string `json:"localId"`
	Reason  string `json:"reason"`
}

type CommandStarted struct {
	CommandType string `json:"commandType"`
	Stream      string `json:"stream,omitempty"`
}

type LayoutSectionChanged struct {
	Parent  LayoutPath    `json:"parent,omitempty"`
	Index   int           `json:"index"`
	To      int           `json:"to,omitempty"`
	Section *Section      `json:"section,omitempty"`
	Header  SectionHeader `json:"header"`
	Removed []ObjRef      `json:"removedWidgets,omitempty"`
	Broken  []BrokenRef   `json:"broken,omitempty"`
}

type SectionItemsAdded struct {
	Parent         LayoutPath `json:"parent,omitempty"`
	Section        int        `json:"section"`
	Index          int        `json:"index"`
	Items          []Item     `json:"items"`
	Widgets        []ObjRef   `json:"widgets,omitempty"`
	SectionCreated bool       `json:"sectionCreated,omitempty"`
}

type SectionItemChanged struct {
	Parent   LayoutPath  `json:"parent,omitempty"`
	Section  int         `json:"section"`
	Index    int         `json:"index"`
	Item     Item        `json:"item"`
	Previous *Item       `json:"previous,omitempty"`
	Removed  []ObjRef    `json:"removedWidgets,omitempty"`
	Broken   []BrokenRef `json:"broken,omitempty"`
	// FollowUp is the correlation id of a command dispatched as a consequence.
	FollowUp string `json:"followUp,omitempty"`
}

type SectionItemMoved struct {
	Parent      LayoutPath `json:"parent,omitempty"`
	FromSection int        `json:"fromSection"`
	FromIndex   int        `json:"fromIndex"`
	ToSection   int        `json:"toSection"`
	ToIndex     int        `json:"toIndex"`
	Size        ItemSize   `json:"size"`
	Clamped     bool       `json:"clamped,omitempty"`
}

type ItemsResized struct {
	Parent    LayoutPath `json:"parent,omitempty"`
	Section   int        `json:"section"`
	Indexes   []int      `json:"indexes"`
	Requested int        `json:"requested"`
	Applied   []ItemSize `json:"applied"`
}

type WidgetRemoved struct {
	Ref     ObjRef      `json:"ref"`
	Removed []ObjRef    `json:"removedWidgets,omitempty"`
	Alerts  []string    `json:"removedAlerts,omitempty"`
	Broken  []BrokenRef `json:"broken,omitempty"`
}

type WidgetChanged struct {
	Widget Widget      `json:"widget"`
	Broken []BrokenRef `json:"broken,omitempty"`
}

type AlertChanged struct {
	Alert *Alert   `json:"alert,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

type FiltersChanged struct {
	Filters  FilterContext `json:"filters"`
	LocalIDs []string      `json:"localIds,omitempty"`
	Broken   []BrokenRef   `json:"broken,omitempty"`
}

type DashboardChanged struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
}

type HistoryReplayed struct {
	CorrelationID string `json:"correlationId"`
	CommandType   string `json:"commandType"`
	CanUndo       bool   `json:"canUndo"`
	CanRedo       bool   `json:"canRedo"`
}

type WidgetSelected struct {
	Ref *ObjRef `json:"ref,omitempty"`
}

type DialogChanged struct {
	Dialog string `json:"dialog"`
	Lease  string `json:"lease,omitempty"`
}
