package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Positions and lengths count runes, not bytes, so that clients working on
// UTF-16 or grapheme buffers agree with the server on non-ASCII text.

var (
	ErrMalformed  = errors.New("malformed operation")
	ErrOutOfRange = errors.New("operation out of range")
)

// Kind is the type of an Operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
)

// Operation is one atomic edit against a text buffer.
type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func Insert(pos int, content string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Content: content}
}

func Delete(pos, length int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length}
}

func Retain(pos, length int) Operation {
	return Operation{Kind: KindRetain, Position: pos, Length: length}
}

// Validate reports whether op is well formed. It does not check op against any
// particular document.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrMalformed, op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if op.Length != 0 {
			return fmt.Errorf("%w: insert carries length %d", ErrMalformed, op.Length)
		}
	case KindDelete, KindRetain:
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrMalformed, op.Length)
		}
		if op.Content != "" {
			return fmt.Errorf("%w: %s carries content", ErrMalformed, op.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, op.Kind)
	}
	return nil
}

// IsNoop reports whether applying op leaves every document unchanged.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Content == ""
	case KindDelete:
		return op.Length == 0
	default:
		return true
	}
}

// size is the number of runes op adds to (insert) or spans in (delete, retain)
// the document.
func (op Operation) size() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("i,%d,%s", op.Position, op.Content)
	case KindDelete:
		return fmt.Sprintf("d,%d,%d", op.Position, op.Length)
	default:
		return fmt.Sprintf("r,%d,%d", op.Position, op.Length)
	}
}

// Apply applies op to doc. Positions outside doc are an error; Apply never
// clamps.
func Apply(doc string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	n := utf8.RuneCountInString(doc)
	switch op.Kind {
	case KindInsert:
		if op.Position > n {
			return "", fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, n)
		}
		if op.Content == "" {
			return doc, nil
		}
		r := []rune(doc)
		return string(r[:op.Position]) + op.Content + string(r[op.Position:]), nil
	case KindDelete:
		if op.Position+op.Length > n {
			return "", fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, op.Position, op.Position+op.Length, n)
		}
		if op.Length == 0 {
			return doc, nil
		}
		r := []rune(doc)
		return string(r[:op.Position]) + string(r[op.Position+op.Length:]), nil
	default:
		if op.Position+op.Length > n {
			return "", fmt.Errorf("%w: retain [%d,%d), length %d", ErrOutOfRange, op.Position, op.Position+op.Length, n)
		}
		return doc, nil
	}
}

// ApplyAll applies ops in order. Either every op applies or doc is returned
// untouched alongside the error.
func ApplyAll(doc string, ops []Operation) (string, error) {
	out := doc
	for i, op := range ops {
		var err error
		if out, err = Apply(out, op); err != nil {
			return doc, fmt.Errorf("op %d (%s): %w", i, op, err)
		}
	}
	return out, nil
}

// Compose merges a and b, where b was generated directly after a by the same
// author, into a single operation. ok is false when the pair cannot be
// expressed as one operation; the caller then keeps both.
func Compose(a, b Operation) (op Operation, ok bool, err error) {
	if err := a.Validate(); err != nil {
		return Operation{}, false, err
	}
	if err := b.Validate(); err != nil {
		return Operation{}, false, err
	}
	if a.IsNoop() {
		return b, true, nil
	}
	if b.IsNoop() {
		return a, true, nil
	}

	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		la := a.size()
		if b.Position < a.Position || b.Position > a.Position+la {
			return Operation{}, false, nil
		}
		r := []rune(a.Content)
		at := b.Position - a.Position
		return Insert(a.Position, string(r[:at])+b.Content+string(r[at:])), true, nil

	case a.Kind == KindInsert && b.Kind == KindDelete:
		la := a.size()
		if b.Position < a.Position || b.Position+b.Length > a.Position+la {
			return Operation{}, false, nil
		}
		r := []rune(a.Content)
		from := b.Position - a.Position
		rest := string(r[:from]) + string(r[from+b.Length:])
		if rest == "" {
			return Retain(a.Position, 0), true, nil
		}
		return Insert(a.Position, rest), true, nil

	case a.Kind == KindDelete && b.Kind == KindDelete:
		if b.Position == a.Position {
			// Forward delete.
			return Delete(a.Position, a.Length+b.Length), true, nil
		}
		if b.Position+b.Length == a.Position {
			// Backspace.
			return Delete(b.Position, a.Length+b.Length), true, nil
		}
	}
	return Operation{}, false, nil
}

// Coalesce folds a sequence of operations from one author into the shortest
// equivalent sequence Compose can produce. No-ops are dropped.
func Coalesce(ops []Operation) ([]Operation, error) {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		if op.IsNoop() {
			continue
		}
		if len(out) > 0 {
			merged, ok, err := Compose(out[len(out)-1], op)
			if err != nil {
				return nil, err
			}
			if ok {
				if merged.IsNoop() {
					out = out[:len(out)-1]
				} else {
					out[len(out)-1] = merged
				}
				continue
			}
		}
		out = append(out, op)
	}
	return out, nil
}

// ValidateAll validates every operation in ops.
func ValidateAll(ops []Operation) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}
