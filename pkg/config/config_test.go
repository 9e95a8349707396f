// Copyright 2024 crashwalk project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Foo int      `json:"foo"`
	Bar string   `json:"bar"`
	Qux []string `json:"qux"`
}

func TestLoadData(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  testConfig
		fails bool
	}{
		{
			name:  "simple",
			input: `{"foo": 42}`,
			want:  testConfig{Foo: 42},
		},
		{
			name: "comments",
			input: `
# leading comment
{
	# inner comment
	"foo": 1,
	"bar": "baz"
}`,
			want: testConfig{Foo: 1, Bar: "baz"},
		},
		{
			name:  "unknown field",
			input: `{"foobar": 42}`,
			fails: true,
		},
		{
			name:  "garbage",
			input: `{"foo": `,
			fails: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got testConfig
			err := LoadData([]byte(test.input), &got)
			if test.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestLoadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config")
	data := `
# deployment note
{"foo": 7, "bar": "x", "qux": ["a", "b"]}
`
	require.NoError(t, os.WriteFile(file, []byte(data), 0644))
	var out testConfig
	require.NoError(t, LoadFile(file, &out))
	assert.Equal(t, testConfig{Foo: 7, Bar: "x", Qux: []string{"a", "b"}}, out)

	require.Error(t, LoadFile("", &out))
	require.Error(t, LoadFile(file+"-nonexistent", &out))
}
