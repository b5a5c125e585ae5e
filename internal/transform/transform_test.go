package transform_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/transform"
)

func cfg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestStringTransformations(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	assert.Equal(t, "ABC", lib.Apply("abc", "string.uppercase", nil))
	assert.Equal(t, "abc", lib.Apply("ABC", "string.lowercase", nil))
	assert.Equal(t, "abc", lib.Apply("  abc\t", "string.trim", nil))
	assert.Equal(t, 42.0, lib.Apply(42.0, "string.uppercase", nil))
}

func TestPipelineOrderMatters(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	v := any("  abc  ")
	for _, name := range []string{"string.trim", "string.uppercase"} {
		v = lib.Apply(v, name, nil)
	}
	assert.Equal(t, "ABC", v)
}

func TestReplace(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	cases := []struct {
		name  string
		input string
		conf  map[string]any
		want  string
	}{
		{"global default", "a-b-c", map[string]any{"search": "-", "replacement": "_"}, "a_b_c"},
		{"first only", "a-b-c", map[string]any{"search": "-", "replacement": "_", "flags": ""}, "a_b-c"},
		{"case insensitive", "Foo foo", map[string]any{"search": "foo", "replacement": "bar", "flags": "gi"}, "bar bar"},
		{"group reference", "2024-03-05", map[string]any{"search": `(\d+)-(\d+)-(\d+)`, "replacement": "$3/$2/$1"}, "05/03/2024"},
		{"whole match", "abc", map[string]any{"search": "b", "replacement": "[$&]"}, "a[b]c"},
		{"literal dollar", "5", map[string]any{"search": `\d`, "replacement": "$$$&"}, "$5"},
		{"empty replacement", "a1b2", map[string]any{"search": `\d`, "replacement": ""}, "ab"},
		{"empty replacement deletes", "a-b", map[string]any{"search": "-", "replacement": ""}, "ab"},
		{"missing replacement deletes", "a-b", map[string]any{"search": "-"}, "ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lib.Apply(tc.input, "string.replace", cfg(t, tc.conf)))
		})
	}
}

func TestReplaceRequiresSearch(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	_, err := lib.Compile("string.replace", cfg(t, map[string]any{"replacement": "x"}))
	require.Error(t, err)
	assert.Equal(t, "keep", lib.Apply("keep", "string.replace", cfg(t, map[string]any{"replacement": "x"})))
}

func TestNumberTransformations(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	assert.Equal(t, "3.14", lib.Apply(3.14159, "number.format", nil))
	assert.Equal(t, "3", lib.Apply(3.14159, "number.format", cfg(t, map[string]any{"decimals": 0})))
	// zero decimals is honoured rather than falling back to two
	assert.Equal(t, "4", lib.Apply(3.7, "number.format", cfg(t, map[string]any{"decimals": 0})))
	assert.Equal(t, "12.500", lib.Apply(12.5, "number.format", cfg(t, map[string]any{"decimals": 3})))
	assert.Equal(t, "n/a", lib.Apply("n/a", "number.format", nil))

	assert.Equal(t, 250.0, lib.Apply(2.5, "number.multiply", cfg(t, map[string]any{"factor": 100})))
	assert.Equal(t, 30.0, lib.Apply(3, "number.multiply", cfg(t, map[string]any{"factor": 10})))
	assert.Equal(t, "2", lib.Apply("2", "number.multiply", cfg(t, map[string]any{"factor": 10})))

	_, err := lib.Compile("number.multiply", nil)
	assert.Error(t, err)
}

func TestDateFormat(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	d := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		conf map[string]any
		in   any
		want string
	}{
		{map[string]any{}, "2024-03-05", "3/5/2024"},
		{map[string]any{"locale": "en-GB"}, d, "05/03/2024"},
		{map[string]any{"locale": "de-DE", "style": "long"}, d, "5. März 2024"},
		{map[string]any{"locale": "fr", "style": "long"}, "2024-03-05T10:00:00Z", "5 mars 2024"},
		{map[string]any{"locale": "en-US", "style": "medium"}, d, "Mar 5, 2024"},
		{map[string]any{"locale": "ja-JP", "style": "long"}, d, "2024年3月5日"},
		{map[string]any{"locale": "xx-unknown"}, d, "3/5/2024"},
		{map[string]any{"layout": "2006/01/02"}, d, "2024/03/05"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, lib.Apply(tc.in, "date.format", cfg(t, tc.conf)), "config %v", tc.conf)
	}
	assert.Equal(t, "not a date", lib.Apply("not a date", "date.format", nil))
	assert.Equal(t, 12.0, lib.Apply(12.0, "date.format", nil))

	_, err := lib.Compile("date.format", cfg(t, map[string]any{"style": "huge"}))
	assert.Error(t, err)
}

func TestValueMap(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	conf := cfg(t, map[string]any{"mapping": map[string]any{"A": "Active", "1": "One"}})
	assert.Equal(t, "Active", lib.Apply("A", "value.map", conf))
	assert.Equal(t, "One", lib.Apply(1.0, "value.map", conf))
	assert.Equal(t, "Z", lib.Apply("Z", "value.map", conf))

	withDefault := cfg(t, map[string]any{"mapping": map[string]any{"A": "Active"}, "defaultValue": "Unknown"})
	assert.Equal(t, "Unknown", lib.Apply("Z", "value.map", withDefault))

	nullDefault := json.RawMessage(`{"mapping":{},"defaultValue":null}`)
	assert.Nil(t, lib.Apply("Z", "value.map", nullDefault))

	assert.Equal(t, "Unknown", lib.Apply(transform.Absent, "value.map", withDefault))
	assert.True(t, transform.IsAbsent(lib.Apply(transform.Absent, "value.map", conf)))
}

func TestAbsentPassesThroughSteps(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	steps := map[string]json.RawMessage{
		"string.uppercase": nil,
		"string.trim":      nil,
		"string.replace":   cfg(t, map[string]any{"search": "a", "replacement": "b"}),
		"number.format":    nil,
		"number.multiply":  cfg(t, map[string]any{"factor": 2}),
		"date.format":      nil,
	}
	for name, raw := range steps {
		assert.True(t, transform.IsAbsent(lib.Apply(transform.Absent, name, raw)), name)
	}
	assert.False(t, transform.IsAbsent(nil))
}

func TestUnknownTransformationKeepsValue(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	assert.Equal(t, "x", lib.Apply("x", "string.reverse", nil))
	_, err := lib.Compile("string.reverse", nil)
	assert.ErrorIs(t, err, transform.ErrUnknown)
}

func TestCustomRegistration(t *testing.T) {
	lib := transform.NewLibrary(testr.New(t))
	lib.Register("boom", func(json.RawMessage) (transform.Step, error) {
		return func(any) (any, error) { panic("boom") }, nil
	})
	assert.Equal(t, "safe", lib.Apply("safe", "boom", nil))
	assert.Contains(t, lib.Names(), "boom")
}

func TestFunctions(t *testing.T) {
	fns := transform.NewFunctions(testr.New(t))

	assert.Equal(t, "(555) 123-4567", fns.Call("formatPhoneNumber", "555-123-4567", nil))
	assert.Equal(t, "(555) 123-4567", fns.Call("formatPhoneNumber", "555.123.4567", nil))
	assert.Equal(t, "123", fns.Call("formatPhoneNumber", "123", nil))
	assert.Equal(t, "+1 555 123 4567", fns.Call("formatPhoneNumber", "+1 555 123 4567", nil))
	assert.Equal(t, 5.0, fns.Call("formatPhoneNumber", 5.0, nil))

	assert.InDelta(t, 110.0, fns.Call("calculateTax", 100.0, nil), 1e-9)
	assert.InDelta(t, 120.0, fns.Call("calculateTax", 100.0, map[string]any{"rate": 0.2}), 1e-9)
	assert.Equal(t, "100", fns.Call("calculateTax", "100", nil))

	assert.Equal(t, "<x>", fns.Call("concatenate", "x", map[string]any{"prefix": "<", "suffix": ">"}))
	assert.Equal(t, "id-42", fns.Call("concatenate", 42.0, map[string]any{"prefix": "id-"}))

	assert.Equal(t, "same", fns.Call("doesNotExist", "same", nil))
	assert.True(t, fns.Has("concatenate"))
}
