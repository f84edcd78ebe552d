// Package delta models rich-text deltas: ordered insert, retain and delete
// operations against a document, in the JSON shape Quill editors exchange.
// Lengths count UTF-16 code units so indexes agree with browser peers.
package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"strings"
	"unicode/utf16"
)

var ErrMalformed = errors.New("malformed delta")

type Op struct {
	// Insert is either a string or an embed object such as {"image": "..."}.
	Insert     any            `json:"insert,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Delta struct {
	Ops []Op `json:"ops"`
}

type opKind int

const (
	kindRetain opKind = iota
	kindInsert
	kindDelete
)

func (o Op) kind() opKind {
	switch {
	case o.Insert != nil:
		return kindInsert
	case o.Delete > 0:
		return kindDelete
	default:
		return kindRetain
	}
}

// Len is the number of document positions the op spans. Embeds count as one.
func (o Op) Len() int {
	switch o.kind() {
	case kindInsert:
		if s, ok := o.Insert.(string); ok {
			return utf16Len(s)
		}
		return 1
	case kindDelete:
		return o.Delete
	default:
		return o.Retain
	}
}

// Parse decodes and validates a serialized delta.
func Parse(raw []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, op := range d.Ops {
		n := 0
		if op.Insert != nil {
			n++
			switch v := op.Insert.(type) {
			case string:
				if v == "" {
					return Delta{}, fmt.Errorf("%w: op %d inserts empty string", ErrMalformed, i)
				}
			case map[string]any:
			default:
				return Delta{}, fmt.Errorf("%w: op %d has unsupported insert %T", ErrMalformed, i, v)
			}
		}
		if op.Retain != 0 {
			n++
		}
		if op.Delete != 0 {
			n++
		}
		if n != 1 || op.Retain < 0 || op.Delete < 0 {
			return Delta{}, fmt.Errorf("%w: op %d must be exactly one positive insert, retain or delete", ErrMalformed, i)
		}
	}
	return d, nil
}

func (d Delta) Bytes() []byte {
	if d.Ops == nil {
		d.Ops = []Op{}
	}
	b, _ := json.Marshal(d)
	return b
}

// Length sums the lengths of all ops. For a document this is the editor length.
func (d Delta) Length() int {
	n := 0
	for _, op := range d.Ops {
		n += op.Len()
	}
	return n
}

// Blank reports whether a document holds no content beyond an optional
// trailing newline.
func (d Delta) Blank() bool {
	switch d.Length() {
	case 0:
		return true
	case 1:
		return d.Text() == "\n"
	}
	return false
}

// Text concatenates string inserts and drops embeds.
func (d Delta) Text() string {
	var sb strings.Builder
	for _, op := range d.Ops {
		if s, ok := op.Insert.(string); ok {
			sb.WriteString(s)
		}
	}
	return sb.String()
}

func (d *Delta) push(op Op) {
	if op.Len() == 0 {
		return
	}
	n := len(d.Ops)
	if n == 0 {
		d.Ops = append(d.Ops, op)
		return
	}
	last := &d.Ops[n-1]
	if op.kind() == kindDelete && last.kind() == kindDelete {
		last.Delete += op.Delete
		return
	}
	// Inserts go before a trailing delete so equivalent deltas share one form.
	if last.kind() == kindDelete && op.kind() == kindInsert {
		if n == 1 {
			d.Ops = append([]Op{op}, d.Ops...)
			return
		}
		prev := &d.Ops[n-2]
		if !mergeInto(prev, op) {
			d.Ops = append(d.Ops[:n-1], op, d.Ops[n-1])
		}
		return
	}
	if !mergeInto(last, op) {
		d.Ops = append(d.Ops, op)
	}
}

func mergeInto(dst *Op, op Op) bool {
	if !reflect.DeepEqual(dst.Attributes, op.Attributes) {
		return false
	}
	switch {
	case dst.kind() == kindInsert && op.kind() == kindInsert:
		a, aok := dst.Insert.(string)
		b, bok := op.Insert.(string)
		if aok && bok {
			dst.Insert = a + b
			return true
		}
	case dst.kind() == kindRetain && op.kind() == kindRetain:
		dst.Retain += op.Retain
		return true
	}
	return false
}

func (d Delta) chop() Delta {
	if n := len(d.Ops); n > 0 {
		last := d.Ops[n-1]
		if last.kind() == kindRetain && len(last.Attributes) == 0 {
			d.Ops = d.Ops[:n-1]
		}
	}
	return d
}

// Compose returns the delta equivalent to applying a and then b. Composing a
// document with a change yields the new document.
func Compose(a, b Delta) Delta {
	ia, ib := newIterator(a.Ops), newIterator(b.Ops)
	var out Delta
	for ia.hasNext() || ib.hasNext() {
		switch {
		case ib.peekKind() == kindInsert:
			out.push(ib.next(math.MaxInt))
		case ia.peekKind() == kindDelete:
			out.push(ia.next(math.MaxInt))
		default:
			length := min(ia.peekLen(), ib.peekLen())
			opA, opB := ia.next(length), ib.next(length)
			switch opB.kind() {
			case kindRetain:
				var op Op
				if opA.kind() == kindRetain {
					op.Retain = length
				} else {
					op.Insert = opA.Insert
				}
				op.Attributes = composeAttributes(opA.Attributes, opB.Attributes, opA.kind() == kindRetain)
				out.push(op)
			case kindDelete:
				if opA.kind() == kindRetain {
					out.push(opB)
				}
			}
		}
	}
	return out.chop()
}

// Apply composes change onto doc and rejects changes that reach past the end
// of the document.
func Apply(doc, change Delta) (Delta, error) {
	span := 0
	for _, op := range change.Ops {
		if op.kind() != kindInsert {
			span += op.Len()
		}
	}
	if span > doc.Length() {
		return Delta{}, fmt.Errorf("%w: change spans %d positions, document has %d", ErrMalformed, span, doc.Length())
	}
	return Compose(doc, change), nil
}

func composeAttributes(a, b map[string]any, keepNull bool) map[string]any {
	out := maps.Clone(a)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range b {
		out[k] = v
	}
	if !keepNull {
		for k, v := range out {
			if v == nil {
				delete(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type iterator struct {
	ops    []Op
	index  int
	offset int
}

func newIterator(ops []Op) *iterator {
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool {
	return it.peekLen() < math.MaxInt
}

func (it *iterator) peekLen() int {
	if it.index >= len(it.ops) {
		return math.MaxInt
	}
	return it.ops[it.index].Len() - it.offset
}

func (it *iterator) peekKind() opKind {
	if it.index >= len(it.ops) {
		return kindRetain
	}
	return it.ops[it.index].kind()
}

func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Retain: math.MaxInt}
	}
	op := it.ops[it.index]
	offset := it.offset
	remaining := op.Len() - offset
	if length >= remaining {
		length = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch op.kind() {
	case kindDelete:
		return Op{Delete: length}
	case kindRetain:
		return Op{Retain: length, Attributes: op.Attributes}
	}
	if s, ok := op.Insert.(string); ok {
		return Op{Insert: utf16Slice(s, offset, offset+length), Attributes: op.Attributes}
	}
	return Op{Insert: op.Insert, Attributes: op.Attributes}
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func utf16Slice(s string, from, to int) string {
	units := utf16.Encode([]rune(s))
	return string(utf16.Decode(units[from:to]))
}
