package ot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	s := ""
	var err error
	op := Insert(0, "foo")
	s, err = Apply(s, op)
	require.NoError(t, err)
	s, err = Apply(s, op)
	require.NoError(t, err)
	op = Delete(2, 1)
	s, err = Apply(s, op)
	require.NoError(t, err)
	s, err = Apply(s, op)
	require.NoError(t, err)
	assert.Equal(t, "fooo", s)
}

func TestApplyCountsRunes(t *testing.T) {
	s, err := Apply("héllo", Insert(2, "ü"))
	require.NoError(t, err)
	assert.Equal(t, "héüllo", s)

	s, err = Apply(s, Delete(1, 2))
	require.NoError(t, err)
	assert.Equal(t, "hllo", s)
}

func TestApplyOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{"insert past end", Insert(4, "x")},
		{"delete past end", Delete(2, 2)},
		{"retain past end", Retain(0, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply("abc", tt.op)
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestApplyMalformed(t *testing.T) {
	_, err := Apply("abc", Delete(0, -1))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Apply("abc", Insert(-1, "x"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Apply("abc", Operation{Kind: "replace"})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestApplyAllIsAtomic(t *testing.T) {
	doc, err := ApplyAll("abc", []Operation{Insert(3, "d"), Delete(10, 1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.Equal(t, "abc", doc)
}

func TestCompose(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Operation
		want   Operation
		wantOk bool
	}{
		{"typing", Insert(3, "ab"), Insert(5, "c"), Insert(3, "abc"), true},
		{"insert inside insert", Insert(3, "ac"), Insert(4, "b"), Insert(3, "abc"), true},
		{"insert elsewhere", Insert(3, "ab"), Insert(9, "c"), Operation{}, false},
		{"delete typed text", Insert(3, "abc"), Delete(4, 1), Insert(3, "ac"), true},
		{"delete all typed text", Insert(3, "abc"), Delete(3, 3), Retain(3, 0), true},
		{"delete beyond typed text", Insert(3, "abc"), Delete(2, 2), Operation{}, false},
		{"forward delete", Delete(2, 1), Delete(2, 3), Delete(2, 4), true},
		{"backspace", Delete(5, 1), Delete(3, 2), Delete(3, 3), true},
		{"delete then insert", Delete(5, 1), Insert(5, "x"), Operation{}, false},
		{"noop first", Retain(0, 0), Delete(1, 1), Delete(1, 1), true},
		{"noop second", Insert(1, "x"), Delete(0, 0), Insert(1, "x"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Compose(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOk, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestComposeRejectsMalformed(t *testing.T) {
	_, _, err := Compose(Delete(0, -2), Insert(0, "x"))
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = Compose(Insert(0, "x"), Insert(-3, "y"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	doc := "hello world"
	pairs := [][2]Operation{
		{Insert(5, ","), Insert(6, "!")},
		{Insert(0, "xyz"), Delete(1, 1)},
		{Delete(6, 1), Delete(6, 2)},
		{Delete(4, 1), Delete(2, 2)},
	}
	for _, p := range pairs {
		seq, err := ApplyAll(doc, p[:])
		require.NoError(t, err)
		op, ok, err := Compose(p[0], p[1])
		require.NoError(t, err)
		require.True(t, ok, "%s + %s", p[0], p[1])
		got, err := Apply(doc, op)
		require.NoError(t, err)
		assert.Equal(t, seq, got)
	}
}

func TestCoalesce(t *testing.T) {
	ops := []Operation{
		Insert(0, "h"), Insert(1, "e"), Insert(2, "l"), Insert(3, "p"),
		Delete(3, 1), Insert(3, "l"), Insert(4, "o"),
		Retain(0, 0),
		Delete(10, 1), Delete(9, 1),
	}
	got, err := Coalesce(ops)
	require.NoError(t, err)
	assert.Equal(t, []Operation{Insert(0, "hello"), Delete(9, 2)}, got)

	doc := "0123456789ab"
	want, err := ApplyAll(doc, ops)
	require.NoError(t, err)
	have, err := ApplyAll(doc, got)
	require.NoError(t, err)
	assert.Equal(t, want, have)
}

func TestCoalesceDropsCancelledInsert(t *testing.T) {
	got, err := Coalesce([]Operation{Insert(2, "ab"), Delete(2, 2)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "i,0,foo", Insert(0, "foo").String())
	assert.Equal(t, "d,2,4", Delete(2, 4).String())
	assert.Equal(t, "r,1,0", Retain(1, 0).String())
}
