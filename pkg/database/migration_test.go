package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersion(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		want    int
		wantErr bool
	}{
		{
			name:  "picks highest up migration",
			files: []string{"000001_init.up.sql", "000001_init.down.sql", "000003_usage.up.sql", "000002_refs.up.sql"},
			want:  3,
		},
		{
			name:  "ignores unrelated files",
			files: []string{"README.md", "000002_refs.up.sql"},
			want:  2,
		},
		{
			name:    "empty folder",
			files:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("-- noop"), 0o600))
			}

			got, err := latestVersion(dir)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "fern", Password: "pw", Name: "fern", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=fern password=pw dbname=fern sslmode=disable", cfg.DSN())
}

func TestJSONBScan(t *testing.T) {
	var j JSONB[map[string]any]
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), j.GetValue()["a"])

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j.GetValue())

	assert.Error(t, j.Scan(42))

	v, err := NewJSONB([]string{"kyiv", "kiev"}).Value()
	require.NoError(t, err)
	assert.Equal(t, `["kyiv","kiev"]`, v)
}
