package msgcat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := MustDefault()
	s, err := c.Render("errors.ILLEGAL_MOVE", map[string]string{"From": "e2", "To": "e5"})
	require.NoError(t, err)
	assert.Equal(t, "illegal move e2e5", s)

	_, err = c.Render("errors.ILLEGAL_MOVE", map[string]string{})
	require.Error(t, err, "missing template data must fail")

	assert.Equal(t, "fallback", c.ErrorText("ILLEGAL_MOVE", nil, "fallback"))
	assert.Equal(t, "game not found", c.ErrorText("GAME_NOT_FOUND", nil, "x"))
	assert.Equal(t, "x", c.ErrorText("NO_SUCH_CODE", nil, "x"))

	var nilCat *Catalog
	assert.Equal(t, "x", nilCat.ErrorText("GAME_NOT_FOUND", nil, "x"))
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ko.yaml"), []byte("errors:\n  GAME_NOT_FOUND: \"대국을 찾을 수 없습니다\"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o600))

	c, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, "대국을 찾을 수 없습니다", c.ErrorText("GAME_NOT_FOUND", nil, ""))
	assert.Equal(t, "internal error", c.ErrorText("INTERNAL", nil, ""))
}

func TestOverrideDir_Errors(t *testing.T) {
	write := func(dir, name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	dup := t.TempDir()
	write(dup, "a.yaml", "errors:\n  GAME_FULL: a\n")
	write(dup, "b.yml", "errors:\n  GAME_FULL: b\n")
	_, err := New(dup)
	require.ErrorContains(t, err, "set in both a.yaml and b.yml")

	unknown := t.TempDir()
	write(unknown, "typo.yaml", "errors:\n  GAME_FUL: full\n")
	_, err = New(unknown)
	require.ErrorContains(t, err, "unknown message key")

	numeric := t.TempDir()
	write(numeric, "n.yaml", "errors:\n  GAME_FULL: 3\n")
	_, err = New(numeric)
	require.ErrorContains(t, err, "unsupported value")

	badTpl := t.TempDir()
	write(badTpl, "t.yaml", "errors:\n  GAME_FULL: \"{{.Oops\"\n")
	_, err = New(badTpl)
	require.ErrorContains(t, err, "template errors.GAME_FULL")

	_, err = New(filepath.Join(dup, "missing"))
	require.Error(t, err)
}
