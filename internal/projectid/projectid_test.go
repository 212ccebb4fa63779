package projectid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_Deterministic(t *testing.T) {
	id1 := From("/srv/work")
	id2 := From("/srv/work")
	assert.Equal(t, id1, id2)
	assert.Len(t, string(id1), 16)
}

func TestFrom_DifferentPathsDifferentIDs(t *testing.T) {
	assert.NotEqual(t, From("/srv/work"), From("/srv/other"))
}

func TestFromPath_SymlinkCanonicalizes(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	idReal, canonicalReal, err := FromPath(real)
	require.NoError(t, err)
	idLink, canonicalLink, err := FromPath(link)
	require.NoError(t, err)

	assert.Equal(t, idReal, idLink, "P2: ProjectId(path) == ProjectId(path.canonicalize())")
	assert.Equal(t, canonicalReal, canonicalLink)
}

func TestFromPath_NonexistentPath(t *testing.T) {
	_, _, err := FromPath("/does/not/exist/at/all")
	require.NoError(t, err, "canonicalization degrades gracefully for not-yet-created projects")
}
