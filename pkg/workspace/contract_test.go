package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFile), []byte(body), 0600))
}

func TestDefaultContract(t *testing.T) {
	c := DefaultContract()
	assert.Equal(t, "1.0.0", c.Version.String())
	assert.Equal(t, []string{"heartbeat", "identity", "instructions", "memory", "persona", "tools"}, c.Names())

	for _, name := range c.Names() {
		spec := c.Fields[name]
		assert.Equal(t, name == FieldMemory || name == FieldIdentity, spec.Writable(), name)
		assert.Positive(t, spec.MaxBytes, name)
	}
}

func TestLoadContract_NoManifest(t *testing.T) {
	c, err := LoadContract(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "MEMORY.md", c.Fields[FieldMemory].File)
}

func TestLoadContract_Overrides(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
version: 1.2.0
fields:
  memory:
    file: notes/memory.md
    max_bytes: 1024
    version: 1.1.0
  identity:
    access: read_only
`)

	c, err := LoadContract(root)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", c.Version.String())
	assert.Equal(t, filepath.Join("notes", "memory.md"), c.Fields[FieldMemory].File)
	assert.Equal(t, 1024, c.Fields[FieldMemory].MaxBytes)
	assert.Equal(t, "1.1.0", c.Fields[FieldMemory].Version.String())
	assert.False(t, c.Fields[FieldIdentity].Writable())
}

func TestLoadContract_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  error
	}{
		{name: "major contract bump", manifest: "version: 2.0.0\n", wantErr: ErrIncompatibleVersion},
		{name: "bad version", manifest: "version: one\n", wantErr: ErrInvalidManifest},
		{name: "unknown field", manifest: "fields:\n  secrets:\n    file: s.md\n", wantErr: ErrUnknownField},
		{name: "instructions writable", manifest: "fields:\n  instructions:\n    access: agent_writable\n", wantErr: ErrInvalidManifest},
		{name: "escaping path", manifest: "fields:\n  memory:\n    file: ../outside.md\n", wantErr: ErrInvalidManifest},
		{name: "absolute path", manifest: "fields:\n  memory:\n    file: /etc/passwd\n", wantErr: ErrInvalidManifest},
		{name: "field major bump", manifest: "fields:\n  memory:\n    version: 2.0.0\n", wantErr: ErrIncompatibleVersion},
		{name: "not yaml", manifest: "fields: [", wantErr: ErrInvalidManifest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeManifest(t, root, tt.manifest)
			_, err := LoadContract(root)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateContent(t *testing.T) {
	spec := FieldSpec{Name: FieldMemory, MaxBytes: 8}

	assert.NoError(t, ValidateContent(spec, "ok"))
	assert.ErrorIs(t, ValidateContent(spec, "way too long"), ErrTooLarge)
	assert.ErrorIs(t, ValidateContent(spec, "a\x00b"), ErrInvalidContent)
	assert.ErrorIs(t, ValidateContent(spec, "\xff\xfe"), ErrInvalidContent)
}
