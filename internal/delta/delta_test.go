package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) Delta {
	t.Helper()
	d, err := Parse([]byte(raw))
	require.NoError(t, err)
	return d
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"ops":[{"retain":2,"delete":1}]}`,
		`{"ops":[{"insert":""}]}`,
		`{"ops":[{"delete":-1}]}`,
		`{"ops":[{}]}`,
		`{"ops":[{"insert":42}]}`,
	}
	for _, raw := range cases {
		_, err := Parse([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestBlank(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"ops":[]}`, true},
		{`{"ops":[{"insert":"\n"}]}`, true},
		{`{"ops":[{"insert":"h"}]}`, false},
		{`{"ops":[{"insert":{"image":"a.png"}}]}`, false},
		{`{"ops":[{"insert":"h\n"}]}`, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mustParse(t, c.raw).Blank(), c.raw)
	}
}

func TestComposeInsertAtEnd(t *testing.T) {
	doc := mustParse(t, `{"ops":[{"insert":"Hello World\n"}]}`)
	change := mustParse(t, `{"ops":[{"retain":11},{"insert":"!"}]}`)

	out, err := Apply(doc, change)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ops":[{"insert":"Hello World!\n"}]}`, string(out.Bytes()))
	assert.Equal(t, 13, out.Length())
}

func TestComposeDeleteAndFormat(t *testing.T) {
	doc := mustParse(t, `{"ops":[{"insert":"abcdef\n"}]}`)
	change := mustParse(t, `{"ops":[{"retain":1},{"delete":2},{"retain":2,"attributes":{"bold":true}}]}`)

	out, err := Apply(doc, change)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ops":[{"insert":"a"},{"insert":"de","attributes":{"bold":true}},{"insert":"f\n"}]}`, string(out.Bytes()))
}

func TestComposeRemovesNullAttributesOnInsert(t *testing.T) {
	doc := mustParse(t, `{"ops":[{"insert":"ab","attributes":{"bold":true}},{"insert":"\n"}]}`)
	change := mustParse(t, `{"ops":[{"retain":2,"attributes":{"bold":null}}]}`)

	out := Compose(doc, change)
	assert.JSONEq(t, `{"ops":[{"insert":"ab\n"}]}`, string(out.Bytes()))
}

func TestComposeChangesKeepsNullForRetain(t *testing.T) {
	a := mustParse(t, `{"ops":[{"retain":3,"attributes":{"bold":true}}]}`)
	b := mustParse(t, `{"ops":[{"retain":3,"attributes":{"bold":null}}]}`)

	out := Compose(a, b)
	require.Len(t, out.Ops, 1)
	assert.Equal(t, 3, out.Ops[0].Retain)
	assert.Contains(t, out.Ops[0].Attributes, "bold")
	assert.Nil(t, out.Ops[0].Attributes["bold"])
}

func TestComposeEmbedAndSurrogatePairs(t *testing.T) {
	doc := mustParse(t, `{"ops":[{"insert":"😀x"},{"insert":{"image":"a.png"}},{"insert":"\n"}]}`)
	assert.Equal(t, 5, doc.Length(), "emoji counts as two UTF-16 units and embeds as one")

	change := mustParse(t, `{"ops":[{"retain":2},{"delete":1}]}`)
	out, err := Apply(doc, change)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ops":[{"insert":"😀"},{"insert":{"image":"a.png"}},{"insert":"\n"}]}`, string(out.Bytes()))
}

func TestApplyRejectsOverrun(t *testing.T) {
	doc := mustParse(t, `{"ops":[{"insert":"hi\n"}]}`)
	change := mustParse(t, `{"ops":[{"retain":10},{"insert":"x"}]}`)

	_, err := Apply(doc, change)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestText(t *testing.T) {
	doc := mustParse(t, `{"ops":[{"insert":"hello "},{"insert":{"image":"x"}},{"insert":"world\n"}]}`)
	assert.Equal(t, "hello world\n", doc.Text())
}
