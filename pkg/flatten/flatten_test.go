package flatten

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
)

func mustParse(t *testing.T, src string) Document {
	t.Helper()
	doc, err := Parse([]byte(src))
	require.NoError(t, err)
	return doc
}

func TestFlattenSingleLevelIsIdentity(t *testing.T) {
	props := Flatten(mustParse(t, `{"a":"1"}`), nil)

	assert.Equal(t, []string{"a"}, props.Keys())
	v, ok := props.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestFlattenNestedPreservesOrder(t *testing.T) {
	src := `
server:
  port: 8080
  host: localhost
database:
  url: postgres://db
  pool:
    max: 10
    enabled: true
`
	props := Flatten(mustParse(t, src), nil)

	assert.Equal(t, []string{
		"server.port",
		"server.host",
		"database.url",
		"database.pool.max",
		"database.pool.enabled",
	}, props.Keys())
	assert.Equal(t, map[string]string{
		"server.port":           "8080",
		"server.host":           "localhost",
		"database.url":          "postgres://db",
		"database.pool.max":     "10",
		"database.pool.enabled": "true",
	}, props.Map())
}

func TestFlattenTreeRoundTrip(t *testing.T) {
	src := `{"a": {"b": {"c": "x", "d": "y"}, "e": "z"}, "f": "w"}`
	doc := mustParse(t, src)

	var want map[string]any
	require.NoError(t, doc.Decode(&want))

	assert.Equal(t, want, Flatten(doc, nil).Tree())
}

func TestFlattenPlaceholders(t *testing.T) {
	lookup := env.FromMap(map[string]string{"HOME": "/root", "PORT": "9000"})

	t.Run("resolves known tokens", func(t *testing.T) {
		props := Flatten(mustParse(t, `{"x": "%HOME%/data"}`), lookup)
		v, _ := props.Get("x")
		assert.Equal(t, "/root/data", v)
	})

	t.Run("leaves unknown tokens untouched", func(t *testing.T) {
		props := Flatten(mustParse(t, `{"x": "%MISSING%/data"}`), lookup)
		v, _ := props.Get("x")
		assert.Equal(t, "%MISSING%/data", v)
	})

	t.Run("tokens are case sensitive", func(t *testing.T) {
		props := Flatten(mustParse(t, `{"x": "%home%"}`), lookup)
		v, _ := props.Get("x")
		assert.Equal(t, "%home%", v)
	})

	t.Run("blank tokens are ignored", func(t *testing.T) {
		assert.Equal(t, "100%  % done", ResolvePlaceholders("100%  % done", lookup))
	})

	t.Run("literal percent before a token", func(t *testing.T) {
		props := Flatten(mustParse(t, `x: "50% of %HOME%"`), lookup)
		v, _ := props.Get("x")
		assert.Equal(t, "50% of /root", v)
		assert.Equal(t, "a%b%/root", ResolvePlaceholders("a%b%%HOME%", lookup))
		assert.Equal(t, "9000%", ResolvePlaceholders("%PORT%%", lookup))
	})

	t.Run("only string leaves are substituted", func(t *testing.T) {
		props := Flatten(mustParse(t, "port: 8080\nname: \"%PORT%\""), lookup)
		port, _ := props.Get("port")
		name, _ := props.Get("name")
		assert.Equal(t, "8080", port)
		assert.Equal(t, "9000", name)
	})
}

func TestFlattenNonStringKeysUseBrackets(t *testing.T) {
	src := `
codes:
  200: ok
  404: missing
  "500": quoted
`
	props := Flatten(mustParse(t, src), nil)

	assert.Equal(t, []string{"codes[200]", "codes[404]", "codes.500"}, props.Keys())
	v, _ := props.Get("codes[404]")
	assert.Equal(t, "missing", v)

	nested := Flatten(mustParse(t, "p:\n  1:\n    a: x\n"), nil)
	assert.Equal(t, []string{"p[1].a"}, nested.Keys())
}

func TestFlattenSequences(t *testing.T) {
	src := `
hosts:
  - a
  - name: b
    port: 2
`
	props := Flatten(mustParse(t, src), nil)

	assert.Equal(t, map[string]string{
		"hosts[0]":      "a",
		"hosts[1].name": "b",
		"hosts[1].port": "2",
	}, props.Map())
}

func TestFlattenNonMapRoot(t *testing.T) {
	props := Flatten(mustParse(t, `just text`), nil)
	assert.Equal(t, map[string]string{DocumentKey: "just text"}, props.Map())

	props = Flatten(mustParse(t, `[1, 2]`), nil)
	v, _ := props.Get(DocumentKey)
	assert.Equal(t, "[1,2]", v)
}

func TestFlattenEmptyAndNull(t *testing.T) {
	assert.Equal(t, 0, Flatten(mustParse(t, `{}`), nil).Len())
	assert.Equal(t, 0, Flatten(mustParse(t, ``), nil).Len())
	assert.Equal(t, 0, Flatten(mustParse(t, `null`), nil).Len())
	assert.Equal(t, 0, Flatten(Document{}, nil).Len())
}

func TestFlattenNullLeaf(t *testing.T) {
	props := Flatten(mustParse(t, `{"a": null}`), nil)
	v, ok := props.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestFlattenLaterEntryOverwritesEarlier(t *testing.T) {
	src := `
a.b: first
a:
  b: second
`
	props := Flatten(mustParse(t, src), nil)

	assert.Equal(t, []string{"a.b"}, props.Keys())
	v, _ := props.Get("a.b")
	assert.Equal(t, "second", v)
}

func TestFlattenAliases(t *testing.T) {
	src := `
base: &base
  host: h
copy: *base
`
	props := Flatten(mustParse(t, src), nil)
	v, ok := props.Get("copy.host")
	assert.True(t, ok)
	assert.Equal(t, "h", v)
}

func TestFlattenMergeKeys(t *testing.T) {
	src := `
base: &base
  x: 1
  y: 1
other: &other
  y: 3
  z: 3
child:
  <<: *base
  y: 2
multi:
  <<: [*base, *other]
`
	props := Flatten(mustParse(t, src), nil)

	assert.Equal(t, []string{"base.x", "base.y", "other.y", "other.z", "child.x", "child.y", "multi.y", "multi.z", "multi.x"}, props.Keys())
	v, _ := props.Get("child.x")
	assert.Equal(t, "1", v)
	v, _ = props.Get("child.y")
	assert.Equal(t, "2", v)
	v, _ = props.Get("multi.y")
	assert.Equal(t, "1", v)
	v, _ = props.Get("multi.z")
	assert.Equal(t, "3", v)
}

func TestParseAllSkipsNullDocuments(t *testing.T) {
	docs, err := ParseAll(strings.NewReader("a: 1\n---\n---\nb: 2\n"))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	v, _ := Flatten(docs[1], nil).Get("b")
	assert.Equal(t, "2", v)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("a: [unterminated"))
	assert.Error(t, err)
}

func TestParseTabIndentedJSON(t *testing.T) {
	doc, err := Parse([]byte("{\n\t\"a\": {\n\t\t\"b\": \"c\"\n\t}\n}"))
	require.NoError(t, err)

	v, _ := Flatten(doc, nil).Get("a.b")
	assert.Equal(t, "c", v)
}

func TestFromValue(t *testing.T) {
	doc, err := FromValue(map[string]any{"db": map[string]any{"host": "x"}})
	require.NoError(t, err)
	assert.False(t, doc.IsEmpty())

	v, _ := Flatten(doc, nil).Get("db.host")
	assert.Equal(t, "x", v)

	doc, err = FromValue(nil)
	require.NoError(t, err)
	assert.True(t, doc.IsNull())
	assert.True(t, Empty().IsEmpty())
	assert.False(t, Empty().IsNull())
}
