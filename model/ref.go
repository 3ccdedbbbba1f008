package model

import (
	"fmt"
	"strings"
)

// Object types used in references.
const (
	RefWidget      = "widget"
	RefInsight     = "insight"
	RefDashboard   = "dashboard"
	RefMeasure     = "measure"
	RefFact        = "fact"
	RefAttribute   = "attribute"
	RefDisplayForm = "displayForm"
	RefDateDataSet = "dateDataSet"
)

// ObjRef identifies an object by type and id. Its text form is "type:id",
// which is also how it is encoded in JSON and used as a map key.
type ObjRef struct {
	Type string
	ID   string
}

// NewRef returns a reference of the given type and id.
func NewRef(typ, id string) ObjRef {
	return ObjRef{Type: typ, ID: id}
}

// WidgetRef returns a widget reference.
func WidgetRef(id string) ObjRef { return ObjRef{Type: RefWidget, ID: id} }

// ParseRef parses the "type:id" form.
func ParseRef(s string) (ObjRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return ObjRef{}, fmt.Errorf("model: invalid object reference %q", s)
	}
	return ObjRef{Type: typ, ID: id}, nil
}

// IsZero reports whether the reference is unset.
func (r ObjRef) IsZero() bool { return r.Type == "" && r.ID == "" }

// String returns the "type:id" form.
func (r ObjRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Type + ":" + r.ID
}

// MarshalText implements encoding.TextMarshaler.
func (r ObjRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ObjRef) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = ObjRef{}
		return nil
	}
	ref, err := ParseRef(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}
