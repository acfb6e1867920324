package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/nbot-dev/nbot/internal/hosterr"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", true},
		{"too long", strings.Repeat("a", 65), true},
		{"exactly max", strings.Repeat("a", 64), false},
		{"space rejected", "a b", true},
		{"normal id", "hello-bot", false},
		{"dotted id", "com.example.plugin_1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.id)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, hosterr.InvalidId, hosterr.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTreeHashStableUnderOrdering(t *testing.T) {
	a := []File{
		{Path: "index.js", Bytes: []byte("a")},
		{Path: "lib/util.js", Bytes: []byte("b")},
	}
	b := []File{
		{Path: "lib/util.js", Bytes: []byte("b")},
		{Path: "index.js", Bytes: []byte("a")},
	}
	assert.Equal(t, TreeHash(a), TreeHash(b))
}

func TestTreeHashSensitiveToContent(t *testing.T) {
	a := []File{{Path: "index.js", Bytes: []byte("a")}}
	b := []File{{Path: "index.js", Bytes: []byte("b")}}
	assert.NotEqual(t, TreeHash(a), TreeHash(b))
}

func TestTreeHashSensitiveToPath(t *testing.T) {
	a := []File{{Path: "a/x.js", Bytes: []byte("x")}}
	b := []File{{Path: "b/x.js", Bytes: []byte("x")}}
	assert.NotEqual(t, TreeHash(a), TreeHash(b))
}
