package handlers

import (
	"context"
	"slices"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/validate"
	"github.com/pitabwire/tessera/model"
)

// changeFilters commits a change to a copy of the dashboard filter context.
func changeFilters(t *command.Task, extra document.Delta, change func(cur *document.State, fc *model.FilterContext) error) (model.FiltersChanged, error) {
	var ev model.FiltersChanged
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		fc := cur.Dashboard.Filters.Clone()
		if err := change(cur, &fc); err != nil {
			return nil, err
		}
		ev.Filters = fc
		return append(slices.Clone(extra), document.SetFilterContext{Filters: fc}), nil
	})
	return ev, err
}

func filtersChanged(event string, ev model.FiltersChanged, err error) (command.Result, error) {
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: event, Payload: ev}, nil
}

func (h *handlers) changeDateFilterSelection(_ context.Context, t *command.Task, p model.ChangeDateFilterSelection) (command.Result, error) {
	if err := validate.DateFilter(p); err != nil {
		return command.Result{}, err
	}
	ev, err := changeFilters(t, nil, func(_ *document.State, fc *model.FilterContext) error {
		df := &model.DateFilter{Type: p.Type}
		if p.Type != model.DateFilterAllTime {
			df.Granularity, df.From, df.To = p.Granularity, p.From, p.To
		}
		fc.DateFilter = df
		return nil
	})
	return filtersChanged(model.EventDateFilterChanged, ev, err)
}

func (h *handlers) addAttributeFilter(ctx context.Context, t *command.Task, p model.AddAttributeFilter) (command.Result, error) {
	localID := p.LocalID
	if localID == "" {
		localID = h.newID()
	}
	check := func(s *document.State) error {
		if _, _, exists := s.Dashboard.Filters.AttributeFilter(localID); exists {
			return model.InvalidArguments(model.CodeDuplicateFilter, "attribute filter %q already exists", localID)
		}
		if n := len(s.Dashboard.Filters.AttributeFilters); p.Index < -1 || p.Index > n {
			return model.InvalidArguments(model.CodeInvalidIndex, "cannot insert a filter at %d of %d", p.Index, n)
		}
		return nil
	}
	if err := check(t.State()); err != nil {
		return command.Result{}, err
	}
	if p.DisplayForm.IsZero() {
		return command.Result{}, model.InvalidArguments(model.CodeMissingDisplayForm, "display form is required")
	}
	items, cached, err := resolveCatalog(ctx, t, catalogRequest{ref: p.DisplayForm, kinds: []string{model.CatalogDisplayForm}})
	if err != nil {
		return command.Result{}, err
	}

	ev, err := changeFilters(t, cached, func(cur *document.State, fc *model.FilterContext) error {
		if err := check(cur); err != nil {
			return err
		}
		af := model.AttributeFilter{
			LocalID:     localID,
			DisplayForm: p.DisplayForm,
			Title:       items[p.DisplayForm].Title,
			Elements:    slices.Clone(p.Elements),
			Negative:    p.Negative,
		}
		idx := p.Index
		if idx == -1 {
			idx = len(fc.AttributeFilters)
		}
		fc.AttributeFilters = slices.Insert(fc.AttributeFilters, idx, af)
		return nil
	})
	ev.LocalIDs = []string{localID}
	return filtersChanged(model.EventAttributeFilterAdded, ev, err)
}

func (h *handlers) removeAttributeFilters(_ context.Context, t *command.Task, p model.RemoveAttributeFilters) (command.Result, error) {
	if len(p.LocalIDs) == 0 {
		return command.Result{}, model.InvalidArguments(model.CodeInvalidPayload, "at least one filter id is required")
	}
	var ev model.FiltersChanged
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		if err := validate.FilterIDs(cur, p.LocalIDs); err != nil {
			return nil, err
		}
		fc := cur.Dashboard.Filters.Clone()
		fc.AttributeFilters = slices.DeleteFunc(fc.AttributeFilters, func(af model.AttributeFilter) bool {
			return slices.Contains(p.LocalIDs, af.LocalID)
		})
		cascade, broken := document.BreakFilterReferences(cur, p.LocalIDs)
		ev = model.FiltersChanged{Filters: fc, LocalIDs: p.LocalIDs, Broken: broken}
		return append(document.Delta{document.SetFilterContext{Filters: fc}}, cascade...), nil
	})
	return filtersChanged(model.EventAttributeFiltersRemoved, ev, err)
}

func (h *handlers) moveAttributeFilter(_ context.Context, t *command.Task, p model.MoveAttributeFilter) (command.Result, error) {
	ev, err := changeFilters(t, nil, func(cur *document.State, fc *model.FilterContext) error {
		af, from, err := validate.AttributeFilter(cur, p.LocalID)
		if err != nil {
			return err
		}
		n := len(fc.AttributeFilters)
		to := p.Index
		if to == -1 {
			to = n - 1
		}
		if to < 0 || to >= n {
			return model.InvalidArguments(model.CodeInvalidIndex, "cannot move filter %q to %d of %d", p.LocalID, p.Index, n)
		}
		fc.AttributeFilters = slices.Delete(fc.AttributeFilters, from, from+1)
		fc.AttributeFilters = slices.Insert(fc.AttributeFilters, to, af)
		return nil
	})
	ev.LocalIDs = []string{p.LocalID}
	return filtersChanged(model.EventAttributeFilterMoved, ev, err)
}

func (h *handlers) changeAttributeFilterSelection(_ context.Context, t *command.Task, p model.ChangeAttributeFilterSelection) (command.Result, error) {
	ev, err := changeFilters(t, nil, func(cur *document.State, fc *model.FilterContext) error {
		_, i, err := validate.AttributeFilter(cur, p.LocalID)
		if err != nil {
			return err
		}
		fc.AttributeFilters[i].Elements = slices.Clone(p.Elements)
		fc.AttributeFilters[i].Negative = p.Negative
		return nil
	})
	ev.LocalIDs = []string{p.LocalID}
	return filtersChanged(model.EventAttributeFilterSelectionChanged, ev, err)
}

func (h *handlers) setAttributeFilterDisplayForm(ctx context.Context, t *command.Task, p model.SetAttributeFilterDisplayForm) (command.Result, error) {
	if _, _, err := validate.AttributeFilter(t.State(), p.LocalID); err != nil {
		return command.Result{}, err
	}
	if p.DisplayForm.IsZero() {
		return command.Result{}, model.InvalidArguments(model.CodeMissingDisplayForm, "display form is required")
	}
	items, cached, err := resolveCatalog(ctx, t, catalogRequest{ref: p.DisplayForm, kinds: []string{model.CatalogDisplayForm}})
	if err != nil {
		return command.Result{}, err
	}

	ev, err := changeFilters(t, cached, func(cur *document.State, fc *model.FilterContext) error {
		_, i, err := validate.AttributeFilter(cur, p.LocalID)
		if err != nil {
			return err
		}
		fc.AttributeFilters[i].DisplayForm = p.DisplayForm
		fc.AttributeFilters[i].Title = items[p.DisplayForm].Title
		return nil
	})
	ev.LocalIDs = []string{p.LocalID}
	return filtersChanged(model.EventAttributeFilterDisplayForm, ev, err)
}
