package model

import (
	"fmt"
	"sort"
)

// Definition is the serializable form of a Schema, as found in CUE and YAML
// schema files.
//
//	fragments: {
//		dublincore: columns: {title: "string", created: "timestamp"}
//		tags: collection: "string"
//	}
//	properties: {
//		"dc:title": {fragment: "dublincore", key: "title"}
//		"dc:tags":  {fragment: "tags"}
//		"dc:author": {complex: "person"}
//	}
//	complexTypes: person: firstname: {fragment: "person", key: "firstname"}
//	types: {
//		Document: {}
//		File: {super: "Document", mixins: ["Downloadable"]}
//	}
type Definition struct {
	Fragments    map[string]FragmentDef            `json:"fragments,omitempty" yaml:"fragments,omitempty"`
	Properties   map[string]PropertyDef            `json:"properties,omitempty" yaml:"properties,omitempty"`
	ComplexTypes map[string]map[string]PropertyDef `json:"complexTypes,omitempty" yaml:"complexTypes,omitempty"`
	Types        map[string]TypeDef                `json:"types,omitempty" yaml:"types,omitempty"`
}

// FragmentDef declares a fragment table. Exactly one of Columns and
// Collection is set; physical column names equal the keys.
type FragmentDef struct {
	Columns    map[string]string `json:"columns,omitempty" yaml:"columns,omitempty"`
	Collection string            `json:"collection,omitempty" yaml:"collection,omitempty"`
}

// PropertyDef maps a property to a fragment key or a complex type.
type PropertyDef struct {
	Fragment string `json:"fragment,omitempty" yaml:"fragment,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Complex  string `json:"complex,omitempty" yaml:"complex,omitempty"`
	List     bool   `json:"list,omitempty" yaml:"list,omitempty"`
}

// TypeDef declares a document type.
type TypeDef struct {
	Super  string   `json:"super,omitempty" yaml:"super,omitempty"`
	Mixins []string `json:"mixins,omitempty" yaml:"mixins,omitempty"`
}

// Build validates the definition and returns the Schema.
func (d *Definition) Build() (*Schema, error) {
	s := NewSchema()

	for _, name := range sortedKeys(d.Fragments) {
		f, err := d.Fragments[name].fragment(name)
		if err != nil {
			return nil, err
		}
		if err := s.AddFragment(f); err != nil {
			return nil, err
		}
	}

	for _, name := range sortedKeys(d.Types) {
		td := d.Types[name]
		if err := s.AddType(DocType{Name: name, SuperType: td.Super, Mixins: td.Mixins}); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(d.Types) {
		if super := d.Types[name].Super; super != "" {
			if _, ok := s.types[super]; !ok {
				return nil, fmt.Errorf("type %s: unknown supertype %q", name, super)
			}
		}
	}

	for _, name := range sortedKeys(d.Properties) {
		if err := s.AddProperty(d.Properties[name].info(name)); err != nil {
			return nil, err
		}
	}

	for _, ctype := range sortedKeys(d.ComplexTypes) {
		props := d.ComplexTypes[ctype]
		for _, name := range sortedKeys(props) {
			if err := s.AddComplexProperty(ctype, props[name].info(name)); err != nil {
				return nil, err
			}
		}
	}

	for _, name := range sortedKeys(d.Properties) {
		if c := d.Properties[name].Complex; c != "" {
			if _, ok := d.ComplexTypes[c]; !ok {
				return nil, fmt.Errorf("property %s: unknown complex type %q", name, c)
			}
		}
	}

	return s, nil
}

func (fd FragmentDef) fragment(name string) (*Fragment, error) {
	if fd.Collection != "" && len(fd.Columns) > 0 {
		return nil, fmt.Errorf("fragment %s: columns and collection are exclusive", name)
	}
	if fd.Collection != "" {
		t, err := ParseColumnType(fd.Collection)
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", name, err)
		}
		return NewCollectionFragment(name, NewScalarArray(t)), nil
	}
	if len(fd.Columns) == 0 {
		return nil, fmt.Errorf("fragment %s: no columns", name)
	}
	var cols []Column
	for _, key := range sortedKeys(fd.Columns) {
		t, err := ParseColumnType(fd.Columns[key])
		if err != nil {
			return nil, fmt.Errorf("fragment %s: key %s: %w", name, key, err)
		}
		cols = append(cols, Column{Key: key, Name: key, Type: t})
	}
	return NewSimpleFragment(name, cols...), nil
}

func (pd PropertyDef) info(name string) PropertyInfo {
	return PropertyInfo{
		Name:     name,
		Fragment: pd.Fragment,
		Key:      pd.Key,
		Complex:  pd.Complex,
		List:     pd.List,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
