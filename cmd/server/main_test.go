package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbulk/internal/config"
)

func TestReportValidation(t *testing.T) {
	tests := []struct {
		name    string
		result  *config.ValidationResult
		wantErr string
	}{
		{
			name:   "clean",
			result: &config.ValidationResult{},
		},
		{
			name: "warnings only",
			result: &config.ValidationResult{
				Warnings: []config.ValidationWarning{{Field: "server.admin.auth_token", Message: "admin endpoint is unauthenticated"}},
			},
		},
		{
			name: "errors fail",
			result: &config.ValidationResult{
				Errors: []config.ValidationError{
					{Field: "bulk.schema_file", Message: "is required"},
					{Field: "bulk.max_rows", Message: "must be positive"},
				},
			},
			wantErr: "configuration validation failed: 2 error(s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reportValidation(tt.result)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestVersionString(t *testing.T) {
	Version, Commit = "1.2.3", "abc123"
	t.Cleanup(func() { Version, Commit = "dev", "none" })
	assert.Equal(t, "pgbulk 1.2.3 (abc123)", versionString())
}
