package model

// ItemAddress addresses an item inside one section of a layout.
type ItemAddress struct {
	Section int `json:"section"`
	Item    int `json:"item"`
}

// LayoutPath walks from the root layout into nested layout widgets. Each step
// addresses the item that holds the next nested layout. An empty path is the
// root layout.
type LayoutPath []ItemAddress

// ItemSpec describes an item to insert. A nil Widget inserts an empty item;
// a widget without a ref gets a generated one.
type ItemSpec struct {
	Size   ItemSize `json:"size"`
	Widget *Widget  `json:"widget,omitempty"`
}

// Command types.
const (
	CmdAddLayoutSection               = "AddLayoutSection"
	CmdRemoveLayoutSection            = "RemoveLayoutSection"
	CmdMoveLayoutSection              = "MoveLayoutSection"
	CmdChangeLayoutSectionHeader      = "ChangeLayoutSectionHeader"
	CmdAddSectionItems                = "AddSectionItems"
	CmdReplaceSectionItem             = "ReplaceSectionItem"
	CmdRemoveSectionItem              = "RemoveSectionItem"
	CmdMoveSectionItem                = "MoveSectionItem"
	CmdResizeWidthOfItem              = "ResizeWidthOfItem"
	CmdResizeHeightOfItems            = "ResizeHeightOfItems"
	CmdRemoveWidget                   = "RemoveWidget"
	CmdChangeWidgetHeader             = "ChangeWidgetHeader"
	CmdChangeWidgetDescription        = "ChangeWidgetDescription"
	CmdChangeInsightWidgetInsight     = "ChangeInsightWidgetInsight"
	CmdChangeKpiWidgetMeasure         = "ChangeKpiWidgetMeasure"
	CmdChangeKpiWidgetComparison      = "ChangeKpiWidgetComparison"
	CmdChangeRichTextWidgetContent    = "ChangeRichTextWidgetContent"
	CmdChangeWidgetFilterSettings     = "ChangeWidgetFilterSettings"
	CmdChangeWidgetFilter             = "ChangeWidgetFilter"
	CmdAddVisualizationToSwitcher     = "AddVisualizationToSwitcher"
	CmdChangeSwitcherActive           = "ChangeSwitcherActiveVisualization"
	CmdSetDrillsForWidget             = "SetDrillsForWidget"
	CmdRemoveDrillsForWidget          = "RemoveDrillsForWidget"
	CmdCreateAlert                    = "CreateAlert"
	CmdUpdateAlert                    = "UpdateAlert"
	CmdRemoveAlerts                   = "RemoveAlerts"
	CmdChangeDateFilterSelection      = "ChangeDateFilterSelection"
	CmdAddAttributeFilter             = "AddAttributeFilter"
	CmdRemoveAttributeFilters         = "RemoveAttributeFilters"
	CmdMoveAttributeFilter            = "MoveAttributeFilter"
	CmdChangeAttributeFilterSelection = "ChangeAttributeFilterSelection"
	CmdSetAttributeFilterDisplayForm  = "SetAttributeFilterDisplayForm"
	CmdRenameDashboard                = "RenameDashboard"
	CmdSaveDashboard                  = "SaveDashboard"
	CmdReloadDashboard                = "ReloadDashboard"
	CmdUndo                           = "Undo"
	CmdRedo                           = "Redo"
	CmdSelectWidget                   = "SelectWidget"
	CmdOpenDialog                     = "OpenDialog"
	CmdCloseDialog                    = "CloseDialog"
)

// --- Layout ---

type AddLayoutSection struct {
	Parent LayoutPath    `json:"parent,omitempty"`
	Index  int           `json:"index"`
	Header SectionHeader `json:"header"`
	Items  []ItemSpec    `json:"items,omitempty"`
}

func (AddLayoutSection) CommandType() string { return CmdAddLayoutSection }

type RemoveLayoutSection struct {
	Parent LayoutPath `json:"parent,omitempty"`
	Index  int        `json:"index"`
	// OnlyIfEmpty rejects the removal when the section holds items.
	OnlyIfEmpty bool `json:"onlyIfEmpty,omitempty"`
}

func (RemoveLayoutSection) CommandType() string { return CmdRemoveLayoutSection }

type MoveLayoutSection struct {
	Parent LayoutPath `json:"parent,omitempty"`
	From   int        `json:"from"`
	To     int        `json:"to"`
}

func (MoveLayoutSection) CommandType() string { return CmdMoveLayoutSection }

type ChangeLayoutSectionHeader struct {
	Parent LayoutPath    `json:"parent,omitempty"`
	Index  int           `json:"index"`
	Header SectionHeader `json:"header"`
}

func (ChangeLayoutSectionHeader) CommandType() string { return CmdChangeLayoutSectionHeader }

// AddSectionItems inserts items at Index of Section. Section may equal the
// section count to start a new section; Index -1 appends.
type AddSectionItems struct {
	Parent  LayoutPath `json:"parent,omitempty"`
	Section int        `json:"section"`
	Index   int        `json:"index"`
	Items   []ItemSpec `json:"items"`
}

func (AddSectionItems) CommandType() string { return CmdAddSectionItems }

type ReplaceSectionItem struct {
	Parent  LayoutPath `json:"parent,omitempty"`
	Section int        `json:"section"`
	Index   int        `json:"index"`
	Item    ItemSpec   `json:"item"`
}

func (ReplaceSectionItem) CommandType() string { return CmdReplaceSectionItem }

// RemoveSectionItem removes one item. With Eager set, a section left empty
// is removed by a follow-up RemoveLayoutSection command.
type RemoveSectionItem struct {
	Parent  LayoutPath `json:"parent,omitempty"`
	Section int        `json:"section"`
	Index   int        `json:"index"`
	Eager   bool       `json:"eager,omitempty"`
}

func (RemoveSectionItem) CommandType() string { return CmdRemoveSectionItem }

type MoveSectionItem struct {
	Parent      LayoutPath `json:"parent,omitempty"`
	FromSection int        `json:"fromSection"`
	FromIndex   int        `json:"fromIndex"`
	ToSection   int        `json:"toSection"`
	ToIndex     int        `json:"toIndex"`
}

func (MoveSectionItem) CommandType() string { return CmdMoveSectionItem }

type ResizeWidthOfItem struct {
	Parent    LayoutPath `json:"parent,omitempty"`
	Section   int        `json:"section"`
	Index     int        `json:"index"`
	GridWidth int        `json:"gridWidth"`
}

func (ResizeWidthOfItem) CommandType() string { return CmdResizeWidthOfItem }

type ResizeHeightOfItems struct {
	Parent     LayoutPath `json:"parent,omitempty"`
	Section    int        `json:"section"`
	Indexes    []int      `json:"indexes"`
	GridHeight int        `json:"gridHeight"`
}

func (ResizeHeightOfItems) CommandType() string { return CmdResizeHeightOfItems }

// --- Widgets ---

type RemoveWidget struct {
	Ref ObjRef `json:"ref"`
}

func (RemoveWidget) CommandType() string { return CmdRemoveWidget }

type ChangeWidgetHeader struct {
	Ref   ObjRef `json:"ref"`
	Title string `json:"title"`
}

func (ChangeWidgetHeader) CommandType() string { return CmdChangeWidgetHeader }

type ChangeWidgetDescription struct {
	Ref         ObjRef `json:"ref"`
	Description string `json:"description"`
}

func (ChangeWidgetDescription) CommandType() string { return CmdChangeWidgetDescription }

type ChangeInsightWidgetInsight struct {
	Ref     ObjRef `json:"ref"`
	Insight ObjRef `json:"insight"`
}

func (ChangeInsightWidgetInsight) CommandType() string { return CmdChangeInsightWidgetInsight }

type ChangeKpiWidgetMeasure struct {
	Ref     ObjRef `json:"ref"`
	Measure ObjRef `json:"measure"`
}

func (ChangeKpiWidgetMeasure) CommandType() string { return CmdChangeKpiWidgetMeasure }

type ChangeKpiWidgetComparison struct {
	Ref                 ObjRef `json:"ref"`
	ComparisonType      string `json:"comparisonType"`
	ComparisonDirection string `json:"comparisonDirection,omitempty"`
}

func (ChangeKpiWidgetComparison) CommandType() string { return CmdChangeKpiWidgetComparison }

type ChangeRichTextWidgetContent struct {
	Ref     ObjRef `json:"ref"`
	Content string `json:"content"`
}

func (ChangeRichTextWidgetContent) CommandType() string { return CmdChangeRichTextWidgetContent }

type ChangeWidgetFilterSettings struct {
	Ref           ObjRef   `json:"ref"`
	IgnoreFilters []string `json:"ignoreFilters,omitempty"`
	DateDataSet   *ObjRef  `json:"dateDataSet,omitempty"`
}

func (ChangeWidgetFilterSettings) CommandType() string { return CmdChangeWidgetFilterSettings }

// ChangeWidgetFilter replaces the filter overrides of a widget.
type ChangeWidgetFilter struct {
	Ref     ObjRef         `json:"ref"`
	Filters []WidgetFilter `json:"filters"`
}

func (ChangeWidgetFilter) CommandType() string { return CmdChangeWidgetFilter }

type AddVisualizationToSwitcher struct {
	Ref     ObjRef `json:"ref"`
	Insight ObjRef `json:"insight"`
	Title   string `json:"title,omitempty"`
}

func (AddVisualizationToSwitcher) CommandType() string { return CmdAddVisualizationToSwitcher }

type ChangeSwitcherActiveVisualization struct {
	Ref   ObjRef `json:"ref"`
	Index int    `json:"index"`
}

func (ChangeSwitcherActiveVisualization) CommandType() string { return CmdChangeSwitcherActive }

// --- Drills and alerts ---

type SetDrillsForWidget struct {
	Ref    ObjRef  `json:"ref"`
	Drills []Drill `json:"drills"`
}

func (SetDrillsForWidget) CommandType() string { return CmdSetDrillsForWidget }

// RemoveDrillsForWidget removes drills by origin; no origins removes all.
type RemoveDrillsForWidget struct {
	Ref     ObjRef   `json:"ref"`
	Origins []string `json:"origins,omitempty"`
}

func (RemoveDrillsForWidget) CommandType() string { return CmdRemoveDrillsForWidget }

type CreateAlert struct {
	Widget        ObjRef   `json:"widget"`
	Threshold     float64  `json:"threshold"`
	WhenTriggered string   `json:"whenTriggered"`
	Filters       []string `json:"filters,omitempty"`
}

func (CreateAlert) CommandType() string { return CmdCreateAlert }

type UpdateAlert struct {
	ID            string   `json:"id"`
	Threshold     float64  `json:"threshold"`
	WhenTriggered string   `json:"whenTriggered"`
	Filters       []string `json:"filters,omitempty"`
}

func (UpdateAlert) CommandType() string { return CmdUpdateAlert }

type RemoveAlerts struct {
	IDs []string `json:"ids"`
}

func (RemoveAlerts) CommandType() string { return CmdRemoveAlerts }

// --- Dashboard filters ---

type ChangeDateFilterSelection struct {
	Type        string `json:"type"`
	Granularity string `json:"granularity,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
}

func (ChangeDateFilterSelection) CommandType() string { return CmdChangeDateFilterSelection }

// AddAttributeFilter inserts a filter at Index; -1 appends.
type AddAttributeFilter struct {
	LocalID     string   `json:"localId,omitempty"`
	DisplayForm ObjRef   `json:"displayForm"`
	Index       int      `json:"index"`
	Elements    []string `json:"elements,omitempty"`
	Negative    bool     `json:"negative,omitempty"`
}

func (AddAttributeFilter) CommandType() string { return CmdAddAttributeFilter }

type RemoveAttributeFilters struct {
	LocalIDs []string `json:"localIds"`
}

func (RemoveAttributeFilters) CommandType() string { return CmdRemoveAttributeFilters }

type MoveAttributeFilter struct {
	LocalID string `json:"localId"`
	Index   int    `json:"index"`
}

func (MoveAttributeFilter) CommandType() string { return CmdMoveAttributeFilter }

type ChangeAttributeFilterSelection struct {
	LocalID  string   `json:"localId"`
	Elements []string `json:"elements"`
	Negative bool     `json:"negative,omitempty"`
}

func (ChangeAttributeFilterSelection) CommandType() string { return CmdChangeAttributeFilterSelection }

type SetAttributeFilterDisplayForm struct {
	LocalID     string `json:"localId"`
	DisplayForm ObjRef `json:"displayForm"`
}

func (SetAttributeFilterDisplayForm) CommandType() string { return CmdSetAttributeFilterDisplayForm }

// --- Dashboard ---

type RenameDashboard struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

func (RenameDashboard) CommandType() string { return CmdRenameDashboard }

type SaveDashboard struct{}

func (SaveDashboard) CommandType() string { return CmdSaveDashboard }

type ReloadDashboard struct{}

func (ReloadDashboard) CommandType() string { return CmdReloadDashboard }

type Undo struct{}

func (Undo) CommandType() string { return CmdUndo }

type Redo struct{}

func (Redo) CommandType() string { return CmdRedo }

// --- UI ---

// SelectWidget selects a widget; a nil Ref clears the selection.
type SelectWidget struct {
	Ref *ObjRef `json:"ref,omitempty"`
}

func (SelectWidget) CommandType() string { return CmdSelectWidget }

type OpenDialog struct {
	Dialog string `json:"dialog"`
}

func (OpenDialog) CommandType() string { return CmdOpenDialog }

type CloseDialog struct {
	Lease string `json:"lease"`
}

func (CloseDialog) CommandType() string { return CmdCloseDialog }

func init() {
	registerPayload[AddLayoutSection]()
	registerPayload[RemoveLayoutSection]()
	registerPayload[MoveLayoutSection]()
	registerPayload[ChangeLayoutSectionHeader]()
	registerPayload[AddSectionItems]()
	registerPayload[ReplaceSectionItem]()
	registerPayload[RemoveSectionItem]()
	registerPayload[MoveSectionItem]()
	registerPayload[ResizeWidthOfItem]()
	registerPayload[ResizeHeightOfItems]()
	registerPayload[RemoveWidget]()
	registerPayload[ChangeWidgetHeader]()
	registerPayload[ChangeWidgetDescription]()
	registerPayload[ChangeInsightWidgetInsight]()
	registerPayload[ChangeKpiWidgetMeasure]()
	registerPayload[ChangeKpiWidgetComparison]()
	registerPayload[ChangeRichTextWidgetContent]()
	registerPayload[ChangeWidgetFilterSettings]()
	registerPayload[ChangeWidgetFilter]()
	registerPayload[AddVisualizationToSwitcher]()
	registerPayload[ChangeSwitcherActiveVisualization]()
	registerPayload[SetDrillsForWidget]()
	registerPayload[RemoveDrillsForWidget]()
	registerPayload[CreateAlert]()
	registerPayload[UpdateAlert]()
	registerPayload[RemoveAlerts]()
	registerPayload[ChangeDateFilterSelection]()
	registerPayload[AddAttributeFilter]()
	registerPayload[RemoveAttributeFilters]()
	registerPayload[MoveAttributeFilter]()
	registerPayload[ChangeAttributeFilterSelection]()
	registerPayload[SetAttributeFilterDisplayForm]()
	registerPayload[RenameDashboard]()
	registerPayload[SaveDashboard]()
	registerPayload[ReloadDashboard]()
	registerPayload[Undo]()
	registerPayload[Redo]()
	registerPayload[SelectWidget]()
	registerPayload[OpenDialog]()
	registerPayload[CloseDialog]()
}
