package pathutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureJoin(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		parts   []string
		wantErr bool
	}{
		{
			name:  "simple descendant",
			base:  "/data/repos",
			parts: []string{"repo-1", "archive.tar"},
		},
		{
			name:  "equal to base",
			base:  "/data/repos",
			parts: []string{},
		},
		{
			name:    "traversal via dotdot",
			base:    "/data/repos",
			parts:   []string{"..", "..", "etc", "passwd"},
			wantErr: true,
		},
		{
			name:    "traversal hidden in single component",
			base:    "/data/repos",
			parts:   []string{"../../etc/passwd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(tt.base, tt.parts...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, tt.base))
		})
	}
}

func TestServiceDirs(t *testing.T) {
	svc := New("/var/lib/jobmgr")
	assert.Equal(t, "/var/lib/jobmgr", svc.DataDir())
	assert.NotEmpty(t, svc.TempDir())
}
