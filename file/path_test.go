package file

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"downloads/file.txt", false},
		{"/tmp/file.txt", false},
		{"./a/../b.txt", false},
		{"../etc/passwd", true},
		{"a/../../b", true},
		{"/tmp/../../x", false}, // cleans to /x
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDirectoryTraversal)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDestinationPath(t *testing.T) {
	path, err := DestinationPath("/downloads", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/downloads", "photo.jpg"), path)

	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		_, err := DestinationPath("/downloads", name)
		assert.ErrorIs(t, err, ErrDirectoryTraversal, name)
	}
}

func TestHashFileIDIsContentDerived(t *testing.T) {
	a, err := HashFileID(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	b, err := HashFileID(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	c, err := HashFileID(bytes.NewReader([]byte("world")))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.Len(t, a.String(), 2*FileIDLength)
}

func TestNewFileIDIsRandom(t *testing.T) {
	a, err := NewFileID()
	require.NoError(t, err)
	b, err := NewFileID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
