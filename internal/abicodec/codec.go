// Package abicodec encodes contract-call arguments and decodes return
// payloads against an explicit schema. It covers the subset of the ABI
// convention the protocol contracts use: 32-byte static words (addresses,
// uint256/int256, bool, bytes32), static tuples, and dynamic arrays whose
// elements may themselves be tuples.
//
// Signed words are interpreted as full 256-bit two's-complement values and
// dynamic fields are located through their head-region offset words; both
// are correctness requirements, not conveniences.
package abicodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const wordSize = 32

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// Kind enumerates supported field types.
type Kind int

const (
	KindAddress Kind = iota
	KindUint256
	KindInt256
	KindBool
	KindBytes32
	KindTuple
	KindArray
)

// Field describes one schema position. Arrays carry their element type in
// Elem; tuples carry their components in Fields.
type Field struct {
	Name   string
	Kind   Kind
	Elem   *Field
	Fields []Field
}

// Schema describes the decoded layout of a return payload.
type Schema []Field

// Convenience constructors keep metric definitions readable.

func Address(name string) Field { return Field{Name: name, Kind: KindAddress} }
func Uint256(name string) Field { return Field{Name: name, Kind: KindUint256} }
func Int256(name string) Field  { return Field{Name: name, Kind: KindInt256} }
func Bool(name string) Field    { return Field{Name: name, Kind: KindBool} }
func Bytes32(name string) Field { return Field{Name: name, Kind: KindBytes32} }

func Tuple(name string, fields ...Field) Field {
	return Field{Name: name, Kind: KindTuple, Fields: fields}
}

func Array(name string, elem Field) Field {
	return Field{Name: name, Kind: KindArray, Elem: &elem}
}

// DecodeError reports a malformed payload. It retains the raw payload and
// the schema path that failed so the fault can be diagnosed offline; the
// same input always fails the same way, so it is never retried.
type DecodeError struct {
	Path    string
	Payload hexutil.Bytes
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("abi decode failed at %s: %s (payload %s)", e.Path, e.Reason, e.Payload)
}

func decodeErr(payload []byte, path, format string, args ...any) error {
	return &DecodeError{
		Path:    path,
		Payload: append(hexutil.Bytes(nil), payload...),
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Selector returns the 4-byte method selector for a canonical signature
// such as "getMultipleSortedTroves(int256,uint256)".
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// PackCall builds eth_call data: the 4-byte selector followed by the
// arguments, each padded to a 32-byte word. Only static argument types are
// supported; the protocol contracts take none other.
func PackCall(signature string, args ...any) ([]byte, error) {
	sel := Selector(signature)
	data := make([]byte, 4, 4+len(args)*wordSize)
	copy(data, sel[:])

	for i, arg := range args {
		word, err := encodeStaticWord(arg)
		if err != nil {
			return nil, fmt.Errorf("pack %s arg %d: %w", signature, i, err)
		}
		data = append(data, word...)
	}
	return data, nil
}

func encodeStaticWord(v any) ([]byte, error) {
	word := make([]byte, wordSize)
	switch val := v.(type) {
	case common.Address:
		copy(word[12:], val.Bytes())
	case *big.Int:
		if val == nil {
			return nil, fmt.Errorf("nil *big.Int")
		}
		enc := new(big.Int).Mod(val, two256) // two's complement for negatives
		enc.FillBytes(word)
	case int64:
		enc := new(big.Int).Mod(big.NewInt(val), two256)
		enc.FillBytes(word)
	case uint64:
		new(big.Int).SetUint64(val).FillBytes(word)
	case bool:
		if val {
			word[wordSize-1] = 1
		}
	case [32]byte:
		copy(word, val[:])
	default:
		return nil, fmt.Errorf("unsupported argument type %T", v)
	}
	return word, nil
}

// Encode lays out values against schema with the standard head/tail split:
// static fields inline, dynamic fields as offsets into the tail.
func Encode(schema Schema, values []any) ([]byte, error) {
	if len(values) != len(schema) {
		return nil, fmt.Errorf("abi encode: %d values for %d fields", len(values), len(schema))
	}
	return encodeBlock(schema, values)
}

func encodeBlock(fields []Field, values []any) ([]byte, error) {
	headLen := 0
	for _, f := range fields {
		headLen += headSize(f)
	}

	head := make([]byte, 0, headLen)
	var tail []byte

	for i, f := range fields {
		if isDynamic(f) {
			offset := make([]byte, wordSize)
			new(big.Int).SetInt64(int64(headLen + len(tail))).FillBytes(offset)
			head = append(head, offset...)

			enc, err := encodeValue(f, values[i])
			if err != nil {
				return nil, err
			}
			tail = append(tail, enc...)
			continue
		}

		enc, err := encodeValue(f, values[i])
		if err != nil {
			return nil, err
		}
		head = append(head, enc...)
	}

	return append(head, tail...), nil
}

func encodeValue(f Field, v any) ([]byte, error) {
	switch f.Kind {
	case KindTuple:
		vals, ok := v.([]any)
		if !ok || len(vals) != len(f.Fields) {
			return nil, fmt.Errorf("abi encode %s: tuple wants %d components, got %T", f.Name, len(f.Fields), v)
		}
		return encodeBlock(f.Fields, vals)
	case KindArray:
		elems, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("abi encode %s: array wants []any, got %T", f.Name, v)
		}
		length := make([]byte, wordSize)
		new(big.Int).SetInt64(int64(len(elems))).FillBytes(length)

		wrapped := make([]Field, len(elems))
		for i := range wrapped {
			wrapped[i] = *f.Elem
		}
		body, err := encodeBlock(wrapped, elems)
		if err != nil {
			return nil, err
		}
		return append(length, body...), nil
	default:
		return encodeStaticWord(v)
	}
}

// Decode interprets payload against schema and returns one value per
// schema field: common.Address, *big.Int, bool, [32]byte, []any for tuples
// and arrays.
func Decode(schema Schema, payload []byte) ([]any, error) {
	return decodeBlock(payload, payload, "", schema)
}

// decodeBlock walks the head region of block, resolving dynamic offsets
// relative to the start of block. payload is the full original data, kept
// only for diagnostics.
func decodeBlock(payload, block []byte, path string, fields []Field) ([]any, error) {
	values := make([]any, 0, len(fields))
	cursor := 0

	for _, f := range fields {
		fpath := joinPath(path, f.Name)

		if isDynamic(f) {
			offset, err := readWordUint(payload, block, cursor, fpath)
			if err != nil {
				return nil, err
			}
			if offset > uint64(len(block)) {
				return nil, decodeErr(payload, fpath, "offset %d beyond block of %d bytes", offset, len(block))
			}
			v, err := decodeDynamic(payload, block[offset:], fpath, f)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			cursor += wordSize
			continue
		}

		v, n, err := decodeStatic(payload, block, cursor, fpath, f)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		cursor += n
	}

	return values, nil
}

// decodeDynamic decodes an array or dynamic tuple whose encoding starts at
// the beginning of block.
func decodeDynamic(payload, block []byte, path string, f Field) (any, error) {
	switch f.Kind {
	case KindArray:
		length, err := readWordUint(payload, block, 0, path)
		if err != nil {
			return nil, err
		}
		if length > uint64(len(block)/wordSize) {
			return nil, decodeErr(payload, path, "declared length %d overflows remaining payload", length)
		}

		body := block[wordSize:]
		elems := make([]any, 0, length)
		elemSize := headSize(*f.Elem)

		for i := uint64(0); i < length; i++ {
			epath := fmt.Sprintf("%s[%d]", path, i)

			if isDynamic(*f.Elem) {
				offset, err := readWordUint(payload, body, int(i)*wordSize, epath)
				if err != nil {
					return nil, err
				}
				if offset > uint64(len(body)) {
					return nil, decodeErr(payload, epath, "element offset %d beyond array body of %d bytes", offset, len(body))
				}
				v, err := decodeDynamic(payload, body[offset:], epath, *f.Elem)
				if err != nil {
					return nil, err
				}
				elems = append(elems, v)
				continue
			}

			v, _, err := decodeStatic(payload, body, int(i)*elemSize, epath, *f.Elem)
			if err != nil {
				return nil, err
			}
			elems = append(elems, v)
		}
		return elems, nil

	case KindTuple:
		// Dynamic tuple: nested offsets resolve relative to its own start.
		return decodeBlock(payload, block, path, f.Fields)

	default:
		return nil, decodeErr(payload, path, "field kind %d is not dynamic", f.Kind)
	}
}

// decodeStatic decodes a static field at byte position pos inside block and
// reports how many head bytes it consumed.
func decodeStatic(payload, block []byte, pos int, path string, f Field) (any, int, error) {
	if f.Kind == KindTuple {
		if isDynamic(f) {
			return nil, 0, decodeErr(payload, path, "dynamic tuple decoded as static")
		}
		if pos+headSize(f) > len(block) {
			return nil, 0, decodeErr(payload, path, "truncated payload: tuple needs %d bytes at %d, block has %d", headSize(f), pos, len(block))
		}
		vals, err := decodeBlock(payload, block[pos:pos+headSize(f)], path, f.Fields)
		if err != nil {
			return nil, 0, err
		}
		return vals, headSize(f), nil
	}

	if pos+wordSize > len(block) {
		return nil, 0, decodeErr(payload, path, "truncated payload: word at %d, block has %d bytes", pos, len(block))
	}
	word := block[pos : pos+wordSize]

	switch f.Kind {
	case KindAddress:
		return common.BytesToAddress(word[12:]), wordSize, nil
	case KindUint256:
		return new(big.Int).SetBytes(word), wordSize, nil
	case KindInt256:
		v := new(big.Int).SetBytes(word)
		if word[0]&0x80 != 0 {
			v.Sub(v, two256)
		}
		return v, wordSize, nil
	case KindBool:
		return word[wordSize-1] != 0, wordSize, nil
	case KindBytes32:
		var b [32]byte
		copy(b[:], word)
		return b, wordSize, nil
	default:
		return nil, 0, decodeErr(payload, path, "unsupported field kind %d", f.Kind)
	}
}

func readWordUint(payload, block []byte, pos int, path string) (uint64, error) {
	if pos+wordSize > len(block) {
		return 0, decodeErr(payload, path, "truncated payload: word at %d, block has %d bytes", pos, len(block))
	}
	v := new(big.Int).SetBytes(block[pos : pos+wordSize])
	if !v.IsUint64() {
		return 0, decodeErr(payload, path, "word value overflows uint64: %s", v)
	}
	return v.Uint64(), nil
}

func joinPath(prefix, name string) string {
	if name == "" {
		return prefix
	}
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func isDynamic(f Field) bool {
	switch f.Kind {
	case KindArray:
		return true
	case KindTuple:
		for _, c := range f.Fields {
			if isDynamic(c) {
				return true
			}
		}
	}
	return false
}

// headSize is the number of head-region bytes a field occupies: one word
// for scalars and dynamic references, the component sum for static tuples.
func headSize(f Field) int {
	if isDynamic(f) {
		return wordSize
	}
	if f.Kind == KindTuple {
		size := 0
		for _, c := range f.Fields {
			size += headSize(c)
		}
		return size
	}
	return wordSize
}
