package abi

import (
	"fmt"
	"strings"
)

// Leaf is a non-struct member reachable from a row type, addressed by a
// flattened name.
//
// Naming: struct members are flattened depth-first under their own names.
// Filled variants are transparent. Members inside an alternative of a
// multi-alternative variant are prefixed with the alternative name
// ("alt.field"). A member whose plain name was already taken by an earlier
// leaf is prefixed with its parent's name instead ("parent.field").
type Leaf struct {
	Name string
	Path string
	Type *Type
}

// Leaves flattens t into its addressable members.
func Leaves(t *Type) []Leaf {
	var out []Leaf
	taken := make(map[string]bool)
	add := func(name, path string, t *Type) {
		if taken[name] {
			return
		}
		taken[name] = true
		out = append(out, Leaf{Name: name, Path: path, Type: t})
	}
	var walk func(t *Type, parent, prefix, path string)
	walk = func(t *Type, parent, prefix, path string) {
		if st := t.Struct(); st != nil {
			for _, f := range st.Fields {
				fpath := joinPath(path, f.Name)
				if f.Type.Struct() != nil || isMultiVariant(f.Type) {
					walk(f.Type, f.Name, prefix, fpath)
					continue
				}
				name := prefix + f.Name
				if taken[name] && parent != "" {
					name = prefix + parent + "." + f.Name
				}
				add(name, fpath, f.Type)
			}
			return
		}
		if isMultiVariant(t) {
			for _, alt := range t.Fields {
				apath := joinPath(path, alt.Name)
				if alt.Type.Struct() != nil || isMultiVariant(alt.Type) {
					walk(alt.Type, alt.Name, prefix+alt.Name+".", apath)
				} else {
					add(prefix+alt.Name, apath, alt.Type)
				}
			}
		}
	}
	walk(t, "", "", "")
	return out
}

// Lookup finds a leaf by flattened name or by dotted path.
func Lookup(t *Type, name string) (Leaf, error) {
	leaves := Leaves(t)
	for _, l := range leaves {
		if l.Name == name {
			return l, nil
		}
	}
	for _, l := range leaves {
		if l.Path == name {
			return l, nil
		}
	}
	return Leaf{}, fmt.Errorf("%s has no field %q", t.Name, name)
}

// Get extracts the leaf from a decoded value of the type it was computed from.
func (l Leaf) Get(v Value) (Value, bool) {
	return v.Path(l.Path)
}

func isMultiVariant(t *Type) bool {
	return t.Kind == KindVariant && t.FilledStruct() == nil && len(t.Fields) > 1
}

func joinPath(path, seg string) string {
	if path == "" {
		return seg
	}
	return strings.Join([]string{path, seg}, ".")
}
