package model

import (
	"fmt"
	"slices"
	"sort"
)

// ProxyType is the primary type stored on the hierarchy row of a proxy.
const ProxyType = "sys:proxy"

// RootType is the type of the repository root.
const RootType = "Root"

// PropertyInfo locates a logical property in storage.
type PropertyInfo struct {
	Name     string
	Fragment string
	Key      string
	Type     ColumnType
	// Collection is set for multi-valued scalar properties stored in a
	// collection fragment.
	Collection bool
	// Complex is the complex type name of properties stored as child
	// hierarchy nodes. Fragment and Key are empty for them.
	Complex string
	// List is set for complex list properties (elements addressed by pos).
	List bool
}

// IsComplex reports whether the property is stored as child nodes.
func (p PropertyInfo) IsComplex() bool {
	return p.Complex != ""
}

// Model answers the storage questions of the core. Implementations must be
// safe for concurrent use and must not change while in use.
type Model interface {
	// Property resolves a toplevel document property.
	Property(name string) (PropertyInfo, bool)
	// ComplexProperty resolves a property inside a complex type.
	ComplexProperty(complexType, name string) (PropertyInfo, bool)
	// SubTypes returns typeName and all its concrete descendants, sorted.
	SubTypes(typeName string) ([]string, bool)
	// TypesWithMixin returns the document types that statically carry mixin.
	TypesWithMixin(mixin string) []string
	// Fragment returns the table description.
	Fragment(name string) (*Fragment, bool)
	// Fragments returns every fragment, hierarchy first.
	Fragments() []*Fragment
	// IsCollectionFragment reports whether name is a collection fragment.
	IsCollectionFragment(name string) bool
}

// DocType is a document type of the Schema.
type DocType struct {
	Name      string
	SuperType string
	Mixins    []string
}

// Schema is a static Model.
type Schema struct {
	fragments    map[string]*Fragment
	order        []string
	properties   map[string]PropertyInfo
	complexTypes map[string]map[string]PropertyInfo
	types        map[string]*DocType
}

var _ Model = (*Schema)(nil)

// NewSchema returns a Schema containing only the standard fragments and the
// root type.
func NewSchema() *Schema {
	s := &Schema{
		fragments:    map[string]*Fragment{},
		properties:   map[string]PropertyInfo{},
		complexTypes: map[string]map[string]PropertyInfo{},
		types:        map[string]*DocType{},
	}
	for _, f := range standardFragments() {
		s.fragments[f.Name] = f
		s.order = append(s.order, f.Name)
	}
	s.types[RootType] = &DocType{Name: RootType}
	return s
}

// AddFragment registers a fragment. Redefining a fragment is an error.
func (s *Schema) AddFragment(f *Fragment) error {
	if f.Name == "" {
		return fmt.Errorf("fragment name is required")
	}
	if _, exists := s.fragments[f.Name]; exists {
		return fmt.Errorf("fragment %q already defined", f.Name)
	}
	s.fragments[f.Name] = f
	s.order = append(s.order, f.Name)
	return nil
}

// AddType registers a document type.
func (s *Schema) AddType(t DocType) error {
	if t.Name == "" {
		return fmt.Errorf("type name is required")
	}
	s.types[t.Name] = &t
	return nil
}

// AddProperty registers a toplevel property.
func (s *Schema) AddProperty(p PropertyInfo) error {
	resolved, err := s.resolve(p)
	if err != nil {
		return err
	}
	s.properties[p.Name] = resolved
	return nil
}

// AddComplexProperty registers a property of a complex type.
func (s *Schema) AddComplexProperty(complexType string, p PropertyInfo) error {
	resolved, err := s.resolve(p)
	if err != nil {
		return fmt.Errorf("complex type %s: %w", complexType, err)
	}
	props, ok := s.complexTypes[complexType]
	if !ok {
		props = map[string]PropertyInfo{}
		s.complexTypes[complexType] = props
	}
	props[p.Name] = resolved
	return nil
}

// resolve fills Type and Collection from the fragment definition.
func (s *Schema) resolve(p PropertyInfo) (PropertyInfo, error) {
	if p.Name == "" {
		return p, fmt.Errorf("property name is required")
	}
	if p.IsComplex() {
		return p, nil
	}
	f, ok := s.fragments[p.Fragment]
	if !ok {
		return p, fmt.Errorf("property %s: unknown fragment %q", p.Name, p.Fragment)
	}
	if f.IsCollection() {
		cols := f.Collection.Columns()
		if len(cols) != 1 {
			return p, fmt.Errorf("property %s: fragment %q is not a scalar collection", p.Name, p.Fragment)
		}
		p.Collection = true
		p.Key = cols[0].Key
		p.Type = cols[0].Type
		return p, nil
	}
	col, ok := f.Column(p.Key)
	if !ok {
		return p, fmt.Errorf("property %s: fragment %q has no key %q", p.Name, p.Fragment, p.Key)
	}
	p.Type = col.Type
	return p, nil
}

func (s *Schema) Property(name string) (PropertyInfo, bool) {
	p, ok := s.properties[name]
	return p, ok
}

func (s *Schema) ComplexProperty(complexType, name string) (PropertyInfo, bool) {
	p, ok := s.complexTypes[complexType][name]
	return p, ok
}

func (s *Schema) SubTypes(typeName string) ([]string, bool) {
	if _, ok := s.types[typeName]; !ok {
		return nil, false
	}
	var result []string
	for name := range s.types {
		if s.isSubType(name, typeName) {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result, true
}

// isSubType walks the supertype chain of name looking for ancestor.
func (s *Schema) isSubType(name, ancestor string) bool {
	seen := map[string]bool{}
	for name != "" && !seen[name] {
		if name == ancestor {
			return true
		}
		seen[name] = true
		t, ok := s.types[name]
		if !ok {
			return false
		}
		name = t.SuperType
	}
	return false
}

// mixinsOf returns the mixins of a type including inherited ones.
func (s *Schema) mixinsOf(name string) []string {
	var mixins []string
	seen := map[string]bool{}
	for name != "" && !seen[name] {
		seen[name] = true
		t, ok := s.types[name]
		if !ok {
			break
		}
		mixins = append(mixins, t.Mixins...)
		name = t.SuperType
	}
	return mixins
}

func (s *Schema) TypesWithMixin(mixin string) []string {
	var result []string
	for name := range s.types {
		if slices.Contains(s.mixinsOf(name), mixin) {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

func (s *Schema) Fragment(name string) (*Fragment, bool) {
	f, ok := s.fragments[name]
	return f, ok
}

func (s *Schema) Fragments() []*Fragment {
	result := make([]*Fragment, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, s.fragments[name])
	}
	return result
}

func (s *Schema) IsCollectionFragment(name string) bool {
	f, ok := s.fragments[name]
	return ok && f.IsCollection()
}

// Types returns the registered type names, sorted.
func (s *Schema) Types() []string {
	names := make([]string, 0, len(s.types))
	for name := range s.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
