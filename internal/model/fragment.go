package model

import (
	"fmt"
	"strings"
)

// Standard fragment names.
const (
	HierarchyTable = "hierarchy"
	ProxiesTable   = "proxies"
	LocksTable     = "locks"
	ACLTable       = "acls"
	ReadACLTable   = "read_acls"
	FulltextTable  = "fulltext"
)

// Standard column names shared by every fragment.
const (
	IDColumn  = "id"
	PosColumn = "pos"
)

// Hierarchy keys.
const (
	KeyParentID    = "parentid"
	KeyPos         = "pos"
	KeyName        = "name"
	KeyIsProperty  = "isproperty"
	KeyPrimaryType = "primarytype"
	KeyMixinTypes  = "mixintypes"
	KeyIsVersion   = "isversion"
)

// Proxy, lock and full-text keys.
const (
	KeyTargetID      = "targetid"
	KeyVersionableID = "versionableid"
	KeyLockOwner     = "owner"
	KeyLockCreated   = "created"
	KeyFulltext      = "fulltext"
	KeyPrincipal     = "principal"
)

// Fragment describes one table.
type Fragment struct {
	Name string
	// Columns lists the value columns in statement order. The id column, and
	// the pos column of collections, are implicit.
	Columns []Column
	// Collection is set for collection fragments.
	Collection CollectionCodec
}

// IsCollection reports whether rows of this fragment are ordered sequences.
func (f *Fragment) IsCollection() bool {
	return f.Collection != nil
}

// Column returns the descriptor for a logical key.
func (f *Fragment) Column(key string) (Column, bool) {
	for _, c := range f.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// Keys returns the logical keys in statement order.
func (f *Fragment) Keys() []string {
	keys := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		keys[i] = c.Key
	}
	return keys
}

// NewSimpleFragment creates a simple fragment from descriptors.
func NewSimpleFragment(name string, columns ...Column) *Fragment {
	return &Fragment{Name: name, Columns: columns}
}

// NewCollectionFragment creates a collection fragment using codec.
func NewCollectionFragment(name string, codec CollectionCodec) *Fragment {
	return &Fragment{Name: name, Columns: codec.Columns(), Collection: codec}
}

// CollectionCodec converts collection elements to and from column values.
type CollectionCodec interface {
	// Columns lists the element columns (besides id and pos).
	Columns() []Column
	// Encode returns the column values of one element, in Columns order.
	Encode(item any) ([]any, error)
	// Decode rebuilds an element from scanned column values.
	Decode(values []any) (any, error)
	// Empty returns the value of a collection without elements.
	Empty() []any
}

// ScalarArray stores one scalar per element in a single column.
type ScalarArray struct {
	Item Column
}

// NewScalarArray returns a codec for a multi-valued property of type t.
func NewScalarArray(t ColumnType) ScalarArray {
	return ScalarArray{Item: Column{Key: "item", Name: "item", Type: t}}
}

func (a ScalarArray) Columns() []Column {
	return []Column{a.Item}
}

func (a ScalarArray) Encode(item any) ([]any, error) {
	v, err := a.Item.Encode(item)
	if err != nil {
		return nil, err
	}
	return []any{v}, nil
}

func (a ScalarArray) Decode(values []any) (any, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("scalar array: expected 1 value, got %d", len(values))
	}
	return a.Item.Decode(values[0])
}

func (a ScalarArray) Empty() []any {
	return []any{}
}

// ACE is one access control entry of an ACL fragment row.
type ACE struct {
	ACL        string
	Principal  string
	Permission string
	Grant      bool
}

// ACLCodec stores ACE elements.
type ACLCodec struct{}

var aclColumns = []Column{
	{Key: "name", Name: "name", Type: TypeString},
	{Key: "grant", Name: "isgrant", Type: TypeBoolean},
	{Key: "permission", Name: "permission", Type: TypeString},
	{Key: "principal", Name: "principal", Type: TypeString},
}

func (ACLCodec) Columns() []Column {
	return aclColumns
}

func (ACLCodec) Encode(item any) ([]any, error) {
	ace, ok := item.(ACE)
	if !ok {
		if p, isPtr := item.(*ACE); isPtr && p != nil {
			ace, ok = *p, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("acl: cannot encode %T", item)
	}
	return []any{ace.ACL, ace.Grant, ace.Permission, ace.Principal}, nil
}

func (ACLCodec) Decode(values []any) (any, error) {
	if len(values) != len(aclColumns) {
		return nil, fmt.Errorf("acl: expected %d values, got %d", len(aclColumns), len(values))
	}
	decoded := make([]any, len(values))
	for i, c := range aclColumns {
		v, err := c.Decode(values[i])
		if err != nil {
			return nil, err
		}
		decoded[i] = v
	}
	ace := ACE{}
	ace.ACL, _ = decoded[0].(string)
	ace.Grant, _ = decoded[1].(bool)
	ace.Permission, _ = decoded[2].(string)
	ace.Principal, _ = decoded[3].(string)
	return ace, nil
}

func (ACLCodec) Empty() []any {
	return []any{}
}

func standardFragments() []*Fragment {
	return []*Fragment{
		NewSimpleFragment(HierarchyTable,
			Column{Key: KeyParentID, Name: "parentid", Type: TypeString},
			Column{Key: KeyPos, Name: "pos", Type: TypeLong},
			Column{Key: KeyName, Name: "name", Type: TypeString},
			Column{Key: KeyIsProperty, Name: "isproperty", Type: TypeBoolean},
			Column{Key: KeyPrimaryType, Name: "primarytype", Type: TypeString},
			Column{Key: KeyMixinTypes, Name: "mixintypes", Type: TypeString},
			Column{Key: KeyIsVersion, Name: "isversion", Type: TypeBoolean},
		),
		NewSimpleFragment(ProxiesTable,
			Column{Key: KeyTargetID, Name: "targetid", Type: TypeString},
			Column{Key: KeyVersionableID, Name: "versionableid", Type: TypeString},
		),
		NewSimpleFragment(LocksTable,
			Column{Key: KeyLockOwner, Name: "owner", Type: TypeString},
			Column{Key: KeyLockCreated, Name: "created", Type: TypeTimestamp},
		),
		NewCollectionFragment(ACLTable, ACLCodec{}),
		NewCollectionFragment(ReadACLTable, ScalarArray{Item: Column{Key: KeyPrincipal, Name: "principal", Type: TypeString}}),
		NewSimpleFragment(FulltextTable,
			Column{Key: KeyFulltext, Name: "fulltext", Type: TypeClob},
		),
	}
}

// EncodeMixins returns the mixintypes column value of instance mixins:
// "|A|B|", or "" for none. The delimiters let queries match one mixin with
// LIKE '%|A|%'.
func EncodeMixins(mixins []string) string {
	if len(mixins) == 0 {
		return ""
	}
	return "|" + strings.Join(mixins, "|") + "|"
}

// DecodeMixins splits a mixintypes column value.
func DecodeMixins(s string) []string {
	var mixins []string
	for _, m := range strings.Split(s, "|") {
		if m != "" {
			mixins = append(mixins, m)
		}
	}
	return mixins
}
