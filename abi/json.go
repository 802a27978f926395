package abi

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type jsonABI struct {
	Version string `json:"version"`
	Types   []struct {
		NewTypeName string `json:"new_type_name"`
		Type        string `json:"type"`
	} `json:"types"`
	Structs []struct {
		Name   string `json:"name"`
		Base   string `json:"base"`
		Fields []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"fields"`
	} `json:"structs"`
	Variants []struct {
		Name  string   `json:"name"`
		Types []string `json:"types"`
	} `json:"variants"`
	Tables []struct {
		Name     string   `json:"name"`
		Type     string   `json:"type"`
		KeyNames []string `json:"key_names"`
	} `json:"tables"`
}

const maxAliasDepth = 32

// ParseJSON builds a Schema from an ABI JSON document.
func ParseJSON(data []byte) (*Schema, error) {
	var def jsonABI
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "abi: invalid JSON")
	}
	if !strings.HasPrefix(def.Version, "eosio::abi/1.") {
		return nil, errors.Errorf("abi: unsupported version %q", def.Version)
	}

	s := &Schema{Version: def.Version, Types: make(map[string]*Type)}
	b := &schemaBuilder{schema: s, aliases: make(map[string]string), bases: make(map[string]string), filled: make(map[*Type]bool)}

	for _, st := range def.Structs {
		if _, dup := s.Types[st.Name]; dup {
			return nil, errors.Errorf("abi: duplicate type %q", st.Name)
		}
		s.Types[st.Name] = &Type{Name: st.Name, Kind: KindStruct}
		b.bases[st.Name] = st.Base
	}
	for _, v := range def.Variants {
		if _, dup := s.Types[v.Name]; dup {
			return nil, errors.Errorf("abi: duplicate type %q", v.Name)
		}
		s.Types[v.Name] = &Type{Name: v.Name, Kind: KindVariant}
	}
	for _, a := range def.Types {
		if _, dup := s.Types[a.NewTypeName]; dup {
			return nil, errors.Errorf("abi: duplicate type %q", a.NewTypeName)
		}
		b.aliases[a.NewTypeName] = a.Type
	}

	ownFields := make(map[string][]Field, len(def.Structs))
	for _, st := range def.Structs {
		for _, f := range st.Fields {
			ft, err := b.resolve(f.Type, 0)
			if err != nil {
				return nil, errors.Wrapf(err, "abi: struct %s field %s", st.Name, f.Name)
			}
			ownFields[st.Name] = append(ownFields[st.Name], Field{Name: f.Name, Type: ft})
		}
	}
	for _, st := range def.Structs {
		if err := b.fillStruct(s.Types[st.Name], ownFields, 0); err != nil {
			return nil, err
		}
	}
	for _, v := range def.Variants {
		vt := s.Types[v.Name]
		for _, alt := range v.Types {
			at, err := b.resolve(alt, 0)
			if err != nil {
				return nil, errors.Wrapf(err, "abi: variant %s", v.Name)
			}
			vt.Fields = append(vt.Fields, Field{Name: alt, Type: at})
		}
	}
	for name := range b.aliases {
		t, err := b.resolve(name, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "abi: type alias %s", name)
		}
		s.Types[name] = t
	}
	for _, td := range def.Tables {
		s.Tables = append(s.Tables, TableDef{Name: td.Name, Type: td.Type, KeyNames: td.KeyNames})
	}
	return s, nil
}

type schemaBuilder struct {
	schema  *Schema
	aliases map[string]string
	bases   map[string]string
	filled  map[*Type]bool
}

func (b *schemaBuilder) resolve(name string, depth int) (*Type, error) {
	if depth > maxAliasDepth {
		return nil, errors.Errorf("type %q: alias chain too deep", name)
	}
	if target, ok := b.aliases[name]; ok {
		return b.resolve(target, depth+1)
	}
	if t := b.schema.Types[name]; t != nil {
		return t, nil
	}
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
		if sc, ok := scalarByName[name]; ok {
			return builtinTypes[sc], nil
		}
		return nil, errors.Errorf("unknown type %q", name)
	}
	elem, err := b.resolve(base, depth+1)
	if err != nil {
		return nil, err
	}
	t := &Type{Name: name, Kind: kind, Elem: elem}
	b.schema.Types[name] = t
	return t, nil
}

func (b *schemaBuilder) fillStruct(t *Type, own map[string][]Field, depth int) error {
	if b.filled[t] {
		return nil
	}
	if depth > maxAliasDepth {
		return errors.Errorf("abi: struct %s: base chain too deep", t.Name)
	}
	var fields []Field
	if baseName := b.bases[t.Name]; baseName != "" {
		base, err := b.resolve(baseName, 0)
		if err != nil {
			return errors.Wrapf(err, "abi: struct %s base", t.Name)
		}
		if base.Kind != KindStruct {
			return errors.Errorf("abi: struct %s: base %s is not a struct", t.Name, baseName)
		}
		if err := b.fillStruct(base, own, depth+1); err != nil {
			return err
		}
		fields = append(fields, base.Fields...)
	}
	t.Fields = append(fields, own[t.Name]...)
	b.filled[t] = true
	return nil
}
