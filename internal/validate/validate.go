// Package validate holds the precondition checks command handlers run before
// touching the document or the backend. Every check is a pure function of
// the document state and the command payload; a failing check returns an
// InvalidArguments *model.Failure carrying a reason code.
package validate

import (
	"fmt"
	"slices"

	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/model"
)

// First returns the first non-nil error.
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Widget checks that ref exists and, when kinds are given, has one of them.
// It returns a private copy of the widget.
func Widget(s *document.State, ref model.ObjRef, kinds ...string) (model.Widget, error) {
	if ref.IsZero() {
		return model.Widget{}, model.InvalidArguments(model.CodeMissingWidget, "widget ref is required")
	}
	w, ok := s.Widget(ref)
	if !ok {
		return model.Widget{}, model.InvalidArguments(model.CodeMissingWidget, "widget %s does not exist", ref)
	}
	if len(kinds) > 0 && !slices.Contains(kinds, w.Kind) {
		return model.Widget{}, model.InvalidArguments(model.CodeWidgetKindMismatch,
			"widget %s is a %s widget, expected %v", ref, w.Kind, kinds)
	}
	return w, nil
}

// Container resolves a layout path.
func Container(s *document.State, path model.LayoutPath) (model.ObjRef, *model.Layout, error) {
	return s.ResolvePath(path)
}

// Section checks that index addresses an existing section.
func Section(l *model.Layout, index int) error {
	if index < 0 || index >= len(l.Sections) {
		return model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", index)
	}
	return nil
}

// SectionInsertIndex checks that a section can be inserted at index.
func SectionInsertIndex(l *model.Layout, index int) error {
	if index < 0 || index > len(l.Sections) {
		return model.InvalidArguments(model.CodeInvalidIndex, "cannot insert a section at %d of %d", index, len(l.Sections))
	}
	return nil
}

// Item checks that the address names an existing item and returns it.
func Item(l *model.Layout, section, index int) (model.Item, error) {
	return document.ItemAt(l, section, index)
}

// ItemInsertIndex normalizes an insertion index into a section: -1 appends.
// A section index equal to the section count addresses a section that the
// insertion will create, which only accepts index 0 or -1.
func ItemInsertIndex(l *model.Layout, section, index int) (int, error) {
	if section < 0 || section > len(l.Sections) {
		return 0, model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", section)
	}
	n := 0
	if section < len(l.Sections) {
		n = len(l.Sections[section].Items)
	}
	if index == -1 {
		return n, nil
	}
	if index < 0 || index > n {
		return 0, model.InvalidArguments(model.CodeInvalidIndex, "cannot insert at %d of section %d with %d items", index, section, n)
	}
	return index, nil
}

var widgetKinds = []string{model.WidgetInsight, model.WidgetKPI, model.WidgetRichText, model.WidgetSwitcher, model.WidgetLayout}

// ItemSpecs checks new items: known widget kinds, positive sizes and refs
// that are not used yet (neither in the document nor twice in specs).
func ItemSpecs(s *document.State, specs []model.ItemSpec) error {
	if len(specs) == 0 {
		return model.InvalidArguments(model.CodeInvalidPayload, "at least one item is required")
	}
	var details []model.FieldError
	seen := make(map[model.ObjRef]bool)
	for i, spec := range specs {
		path := fmt.Sprintf("items[%d]", i)
		if spec.Size.GridWidth < 0 || spec.Size.GridHeight < 0 {
			details = append(details, model.FieldError{Field: path + ".size", Code: model.CodeInvalidSize, Message: "sizes must not be negative"})
		}
		if spec.Widget == nil {
			continue
		}
		w := spec.Widget
		if !slices.Contains(widgetKinds, w.Kind) {
			details = append(details, model.FieldError{Field: path + ".widget.kind", Code: model.CodeInvalidPayload, Message: fmt.Sprintf("unknown widget kind %q", w.Kind)})
		}
		if w.Kind == model.WidgetInsight && w.Insight == nil {
			details = append(details, model.FieldError{Field: path + ".widget.insight", Code: model.CodeMissingInsight, Message: "insight widgets need an insight"})
		}
		if w.Ref.IsZero() {
			continue
		}
		if _, exists := s.Dashboard.Widgets[w.Ref]; exists || seen[w.Ref] {
			details = append(details, model.FieldError{Field: path + ".widget.ref", Code: model.CodeDuplicateWidget, Message: fmt.Sprintf("widget %s already exists", w.Ref)})
		}
		seen[w.Ref] = true
	}
	return withDetails("invalid items", details)
}

// ComparisonType checks a KPI comparison type.
func ComparisonType(t string) error {
	switch t {
	case model.ComparisonNone, model.ComparisonPreviousPeriod, model.ComparisonLastYear:
		return nil
	}
	return model.InvalidArguments(model.CodeInvalidComparisonType, "comparison type %q is not one of none, previousPeriod, lastYear", t)
}

// ComparisonDirection checks a KPI comparison direction. Empty keeps the
// current direction.
func ComparisonDirection(d string) error {
	switch d {
	case "", model.DirectionGrowIsGood, model.DirectionGrowIsBad:
		return nil
	}
	return model.InvalidArguments(model.CodeInvalidComparisonDirection, "comparison direction %q is not one of growIsGood, growIsBad", d)
}

// DateFilter checks a date filter selection.
func DateFilter(p model.ChangeDateFilterSelection) error {
	switch p.Type {
	case model.DateFilterAllTime:
		return nil
	case model.DateFilterRelative, model.DateFilterAbsolute:
		if p.Granularity == "" && p.Type == model.DateFilterRelative {
			return model.InvalidArguments(model.CodeInvalidDateFilter, "relative date filters need a granularity")
		}
		if p.From == "" || p.To == "" {
			return model.InvalidArguments(model.CodeInvalidDateFilter, "%s date filters need from and to", p.Type)
		}
		return nil
	}
	return model.InvalidArguments(model.CodeInvalidDateFilter, "date filter type %q is not one of allTime, relative, absolute", p.Type)
}

// AttributeFilter checks that a dashboard attribute filter exists.
func AttributeFilter(s *document.State, localID string) (model.AttributeFilter, int, error) {
	af, i, ok := s.Dashboard.Filters.AttributeFilter(localID)
	if !ok {
		return model.AttributeFilter{}, -1, model.InvalidArguments(model.CodeMissingFilter, "attribute filter %q does not exist", localID)
	}
	return af, i, nil
}

// FilterIDs checks that every id names a dashboard attribute filter.
func FilterIDs(s *document.State, ids []string) error {
	for _, id := range ids {
		if _, _, err := AttributeFilter(s, id); err != nil {
			return err
		}
	}
	return nil
}

// AlertCondition checks an alert trigger condition.
func AlertCondition(when string) error {
	if when == model.AlertAboveThreshold || when == model.AlertUnderThreshold {
		return nil
	}
	return model.InvalidArguments(model.CodeInvalidAlertCondition, "alert condition %q is not one of aboveThreshold, underThreshold", when)
}

// Alert checks that an alert exists.
func Alert(s *document.State, id string) (model.Alert, int, error) {
	a, i, ok := s.Alert(id)
	if !ok {
		return model.Alert{}, -1, model.InvalidArguments(model.CodeMissingAlert, "alert %q does not exist", id)
	}
	return a, i, nil
}

// Drills checks the shape of drill definitions: known types, a target or
// URL as the type requires, unique local ids and pass filters that exist.
// Whether targets still resolve is checked against the backend separately.
func Drills(s *document.State, owner model.ObjRef, drills []model.Drill) error {
	var details []model.FieldError
	ids := make(map[string]bool)
	for i, d := range drills {
		path := fmt.Sprintf("drills[%d]", i)
		if d.LocalID == "" || ids[d.LocalID] {
			details = append(details, model.FieldError{Field: path + ".localId", Code: model.CodeInvalidPayload, Message: "local id must be set and unique"})
		}
		ids[d.LocalID] = true
		if d.Origin == "" {
			details = append(details, model.FieldError{Field: path + ".origin", Code: model.CodeInvalidDrillOrigin, Message: "origin is required"})
		}
		switch d.Type {
		case model.DrillToInsight, model.DrillToDashboard, model.DrillToWidget:
			if d.Target == nil || d.Target.IsZero() {
				details = append(details, model.FieldError{Field: path + ".target", Code: model.CodeInvalidDrillTarget, Message: "target is required"})
			} else if d.Type == model.DrillToWidget && *d.Target == owner {
				details = append(details, model.FieldError{Field: path + ".target", Code: model.CodeInvalidDrillTarget, Message: "a widget cannot drill to itself"})
			}
		case model.DrillToURL:
			if d.URL == "" {
				details = append(details, model.FieldError{Field: path + ".url", Code: model.CodeInvalidDrillTarget, Message: "url is required"})
			}
		default:
			details = append(details, model.FieldError{Field: path + ".type", Code: model.CodeInvalidPayload, Message: fmt.Sprintf("unknown drill type %q", d.Type)})
		}
		for _, id := range d.PassFilters {
			if _, _, ok := s.Dashboard.Filters.AttributeFilter(id); !ok {
				details = append(details, model.FieldError{Field: path + ".passFilters", Code: model.CodeMissingFilter, Message: fmt.Sprintf("filter %q does not exist", id)})
			}
		}
	}
	return withDetails("invalid drills", details)
}

// WidgetFilters checks the shape of widget filter overrides. Catalog
// resolution of the referenced objects happens separately.
func WidgetFilters(filters []model.WidgetFilter) error {
	var details []model.FieldError
	ids := make(map[string]bool)
	for i, f := range filters {
		path := fmt.Sprintf("filters[%d]", i)
		if f.LocalID == "" || ids[f.LocalID] {
			details = append(details, model.FieldError{Field: path + ".localId", Code: model.CodeInvalidPayload, Message: "local id must be set and unique"})
		}
		ids[f.LocalID] = true
		switch f.Kind {
		case model.WidgetFilterAttribute:
			if f.DisplayForm == nil {
				details = append(details, model.FieldError{Field: path + ".displayForm", Code: model.CodeMissingDisplayForm, Message: "display form is required"})
			}
		case model.WidgetFilterMeasureValue:
			if f.Measure == nil {
				details = append(details, model.FieldError{Field: path + ".measure", Code: model.CodeMissingMeasure, Message: "measure is required"})
			}
			if !slices.Contains(measureValueOperators, f.Operator) {
				details = append(details, model.FieldError{Field: path + ".operator", Code: model.CodeInvalidPayload, Message: fmt.Sprintf("unknown operator %q", f.Operator)})
			}
		case model.WidgetFilterRanking:
			if f.Measure == nil {
				details = append(details, model.FieldError{Field: path + ".measure", Code: model.CodeMissingMeasure, Message: "measure is required"})
			}
			if f.Operator != "TOP" && f.Operator != "BOTTOM" {
				details = append(details, model.FieldError{Field: path + ".operator", Code: model.CodeInvalidPayload, Message: "ranking operator must be TOP or BOTTOM"})
			}
			if f.Limit <= 0 {
				details = append(details, model.FieldError{Field: path + ".limit", Code: model.CodeInvalidPayload, Message: "limit must be positive"})
			}
		default:
			details = append(details, model.FieldError{Field: path + ".kind", Code: model.CodeInvalidPayload, Message: fmt.Sprintf("unknown filter kind %q", f.Kind)})
		}
	}
	return withDetails("invalid widget filters", details)
}

var measureValueOperators = []string{
	"GREATER_THAN", "GREATER_THAN_OR_EQUAL_TO", "LESS_THAN", "LESS_THAN_OR_EQUAL_TO", "EQUAL_TO", "NOT_EQUAL_TO",
}

// DialogFree checks that no dialog lease is held.
func DialogFree(s *document.State) error {
	if l := s.UI.Dialog; l != nil {
		return model.InvalidArguments(model.CodeDialogLeased, "dialog %q is open, held by %s", l.Dialog, l.Owner)
	}
	return nil
}

// Lease checks that token matches the held dialog lease.
func Lease(s *document.State, token string) error {
	if l := s.UI.Dialog; l == nil || l.Token != token {
		return model.InvalidArguments(model.CodeInvalidLease, "lease %q is not held", token)
	}
	return nil
}

func withDetails(msg string, details []model.FieldError) error {
	if len(details) == 0 {
		return nil
	}
	return &model.Failure{
		Reason:  model.ReasonInvalidArguments,
		Code:    details[0].Code,
		Message: fmt.Sprintf("%s: %s: %s", msg, details[0].Field, details[0].Message),
		Details: details,
	}
}
