package abi

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindScalar Kind = iota + 1
	KindStruct
	KindVariant
	KindArray
	KindOptional
	KindExtension
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindStruct:
		return "struct"
	case KindVariant:
		return "variant"
	case KindArray:
		return "array"
	case KindOptional:
		return "optional"
	case KindExtension:
		return "extension"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Type is a node of a schema tree. Scalar types carry Scalar; structs carry
// Fields; variants carry their alternatives in Fields (named after the
// alternative's type); arrays, optionals and binary extensions carry Elem.
//
// Types are built once per ABI and are immutable afterwards.
type Type struct {
	Name   string
	Kind   Kind
	Scalar Scalar
	Fields []Field
	Elem   *Type
}

type Field struct {
	Name string
	Type *Type
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// FilledStruct returns the struct wrapped by a single-alternative variant, or
// nil. Such variants are decoded and addressed as if they were the struct.
func (t *Type) FilledStruct() *Type {
	if t.Kind == KindVariant && len(t.Fields) == 1 && t.Fields[0].Type.Kind == KindStruct {
		return t.Fields[0].Type
	}
	return nil
}

// Struct returns t if it is a struct, the wrapped struct if it is a filled
// variant, and nil otherwise.
func (t *Type) Struct() *Type {
	if t.Kind == KindStruct {
		return t
	}
	return t.FilledStruct()
}

func (t *Type) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Alternative returns the index of the variant alternative with the given name.
func (t *Type) Alternative(name string) int {
	if t.Kind != KindVariant {
		return -1
	}
	return t.FieldIndex(name)
}

// NewStruct builds a struct type programmatically. Used for synthesized row types.
func NewStruct(name string, fields ...Field) *Type {
	return &Type{Name: name, Kind: KindStruct, Fields: fields}
}

func NewVariant(name string, alts ...*Type) *Type {
	t := &Type{Name: name, Kind: KindVariant}
	for _, a := range alts {
		t.Fields = append(t.Fields, Field{Name: a.Name, Type: a})
	}
	return t
}

func ArrayOf(elem *Type) *Type {
	return &Type{Name: elem.Name + "[]", Kind: KindArray, Elem: elem}
}

func OptionalOf(elem *Type) *Type {
	return &Type{Name: elem.Name + "?", Kind: KindOptional, Elem: elem}
}

// Schema is a resolved ABI: named types plus table declarations.
type Schema struct {
	Version string
	Types   map[string]*Type
	Tables  []TableDef
}

type TableDef struct {
	Name     string
	Type     string
	KeyNames []string
}

func (s *Schema) Type(name string) (*Type, error) {
	if t := s.Types[name]; t != nil {
		return t, nil
	}
	if t, err := s.derived(name); t != nil || err != nil {
		return t, err
	}
	if sc, ok := scalarByName[name]; ok {
		return builtinTypes[sc], nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}

func (s *Schema) MustType(name string) *Type {
	t, err := s.Type(name)
	if err != nil {
		panic(err)
	}
	return t
}

func (s *Schema) Table(name string) (TableDef, bool) {
	for _, td := range s.Tables {
		if td.Name == name {
			return td, true
		}
	}
	return TableDef{}, false
}

func (s *Schema) derived(name string) (*Type, error) {
	var kind Kind
	var base string
	switch {
	case strings.HasSuffix(name, "$"):
		kind, base = KindExtension, name[:len(name)-1]
	case strings.HasSuffix(name, "?"):
		kind, base = KindOptional, name[:len(name)-1]
	case strings.HasSuffix(name, "[]"):
		kind, base = KindArray, name[:len(name)-2]
	default:
		return nil, nil
	}
	elem, err := s.Type(base)
	if err != nil {
		return nil, err
	}
	return &Type{Name: name, Kind: kind, Elem: elem}, nil
}
