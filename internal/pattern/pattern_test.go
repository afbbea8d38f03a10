package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcluded(t *testing.T) {
	m, err := New([]string{"*.TMP", "node_modules", "cache?.db", "[draft]*"})
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"glob on name", "/home/u/docs/report.tmp", true},
		{"glob case insensitive", "/home/u/docs/REPORT.Tmp", true},
		{"substring in path", "/src/app/node_modules/x/index.js", true},
		{"substring case insensitive", "/src/app/Node_Modules/x.js", true},
		{"question mark", "/var/cache1.db", true},
		{"question mark needs one char", "/var/cache.db", false},
		{"brackets are literal", "/notes/[draft] plan.md", true},
		{"brackets not a class", "/notes/d plan.md", false},
		{"plain file kept", "/home/u/docs/report.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Excluded(tt.path))
		})
	}
}

func TestGlobMatchesFullPath(t *testing.T) {
	m, err := New([]string{"*/build/*"})
	require.NoError(t, err)

	assert.True(t, m.Excluded("/proj/build/out.o"))
	assert.False(t, m.Excluded("/proj/src/main.go"))
}

func TestEmptyMatcher(t *testing.T) {
	m, err := New([]string{"", "  "})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Excluded("/anything"))

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Excluded("/anything"))
}
