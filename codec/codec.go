package codec

import (
	"reflect"

	"github.com/vinayprograms/kvsync/errors"
)

// Codec maps a value of type V to a tree and back.
//
// Encode must succeed for every value produced by normal construction of V.
// Decode must reject malformed or mismatched trees with a DECODE_FAILED error.
// For types with structural equality, Decode(Encode(v)) equals v.
type Codec[V any] interface {
	Encode(v V) (Tree, error)
	Decode(t Tree) (V, error)
}

// Marshaler is implemented by values that produce their own tree form.
type Marshaler interface {
	MarshalTree() (Tree, error)
}

// Unmarshaler is implemented by pointers to values that read their own tree form.
type Unmarshaler interface {
	UnmarshalTree(t Tree) error
}

// TypeName returns the display name of V used in error metadata.
func TypeName[V any]() string {
	return reflect.TypeFor[V]().String()
}

// For returns the codec for V: the self-describing codec when V implements
// Marshaler and *V implements Unmarshaler, otherwise JSON.
func For[V any]() Codec[V] {
	var zero V
	_, canMarshal := any(zero).(Marshaler)
	_, canUnmarshal := any(&zero).(Unmarshaler)
	if canMarshal && canUnmarshal {
		return selfCodec[V]{}
	}
	return JSON[V]()
}

type selfCodec[V any] struct{}

func (selfCodec[V]) Encode(v V) (Tree, error) {
	m, ok := any(v).(Marshaler)
	if !ok {
		return nil, errors.EncodeFailed(TypeName[V](), errors.New(errors.ErrCodeInternal, "value does not implement MarshalTree"))
	}
	t, err := m.MarshalTree()
	if err != nil {
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}
	n, err := Normalize(t)
	if err != nil {
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}
	return n, nil
}

func (selfCodec[V]) Decode(t Tree) (V, error) {
	var v V
	if t == nil {
		return v, errors.DecodeFailed(TypeName[V](), errors.FromCode(errors.ErrCodeNotFound))
	}
	if err := any(&v).(Unmarshaler).UnmarshalTree(t); err != nil {
		var zero V
		return zero, errors.DecodeFailed(TypeName[V](), err)
	}
	return v, nil
}

// Funcs adapts a pair of functions to Codec. Encoded output is normalised and
// errors are reported with the standard codec error codes.
type Funcs[V any] struct {
	EncodeFunc func(V) (Tree, error)
	DecodeFunc func(Tree) (V, error)
}

// Encode implements Codec.
func (f Funcs[V]) Encode(v V) (Tree, error) {
	t, err := f.EncodeFunc(v)
	if err != nil {
		if errors.Is(err, errors.ErrCodeEncode) {
			return nil, err
		}
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}
	n, err := Normalize(t)
	if err != nil {
		return nil, errors.EncodeFailed(TypeName[V](), err)
	}
	return n, nil
}

// Decode implements Codec.
func (f Funcs[V]) Decode(t Tree) (V, error) {
	v, err := f.DecodeFunc(t)
	if err != nil {
		var zero V
		if errors.Is(err, errors.ErrCodeDecode) {
			return zero, err
		}
		return zero, errors.DecodeFailed(TypeName[V](), err)
	}
	return v, nil
}
