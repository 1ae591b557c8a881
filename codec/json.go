package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/vinayprograms/kvsync/errors"
)

// JSONOption configures a JSON codec.
type JSONOption func(*jsonCodec)

// WithDisallowUnknownFields rejects trees carrying map keys that V does not declare.
func WithDisallowUnknownFields() JSONOption {
	return func(c *jsonCodec) {
		c.disallowUnknown = true
	}
}

// WithOptionalFields accepts maps that omit fields V does not mark optional.
// Missing fields decode as their zero value.
func WithOptionalFields() JSONOption {
	return func(c *jsonCodec) {
		c.lenient = true
	}
}

type jsonCodec struct {
	disallowUnknown bool
	lenient         bool
}

// JSONCodec encodes V through its JSON form: field names and omission rules
// come from the json struct tags of V.
//
// Numbers keep their exact text between V and the tree, so integers survive
// as int64 and an integer outside the int64 range fails to encode. When V is
// a struct, Decode requires every field that can never be omitted on encode:
// fields without omitempty whose type is not a pointer, interface, map or
// slice.
type JSONCodec[V any] struct {
	cfg      jsonCodec
	required []string
}

// JSON returns a codec that round-trips V through encoding/json.
func JSON[V any](opts ...JSONOption) *JSONCodec[V] {
	c := &JSONCodec[V]{}
	for _, opt := range opts {
		if opt != nil {
			opt(&c.cfg)
		}
	}
	if !c.cfg.lenient {
		c.required = requiredFields(reflect.TypeFor[V]())
	}
	return c
}

// Encode implements Codec.
func (c *JSONCodec[V]) Encode(v V) (Tree, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}

	t, err := Normalize(raw)
	if err != nil {
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}
	return t, nil
}

// Decode implements Codec.
func (c *JSONCodec[V]) Decode(t Tree) (V, error) {
	var zero V
	if t == nil {
		return zero, errors.DecodeFailed(TypeName[V](), errors.FromCode(errors.ErrCodeNotFound))
	}
	if m, ok := t.(map[string]any); ok {
		for _, name := range c.required {
			if _, present := m[name]; !present {
				return zero, errors.DecodeFailed(TypeName[V](), fmt.Errorf("missing field %q", name))
			}
		}
	}

	data, err := json.Marshal(t)
	if err != nil {
		return zero, errors.DecodeFailed(TypeName[V](), err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if c.cfg.disallowUnknown {
		dec.DisallowUnknownFields()
	}
	var v V
	if err := dec.Decode(&v); err != nil {
		return zero, errors.DecodeFailed(TypeName[V](), err)
	}
	return v, nil
}

// requiredFields lists the json names of t's fields that encoding/json always
// writes with a non-null value. It is empty unless t is a struct or a pointer
// to one.
func requiredFields(t reflect.Type) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var names []string
	for i := range t.NumField() {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			names = append(names, requiredFields(f.Type)...)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if strings.Contains(","+opts+",", ",omitempty,") || strings.Contains(","+opts+",", ",omitzero,") {
			continue
		}
		switch f.Type.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
			continue
		}
		if name == "" {
			name = f.Name
		}
		names = append(names, name)
	}
	return names
}
