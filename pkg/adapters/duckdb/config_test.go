package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    *Params
		wantErr bool
	}{
		{
			name:  "nil params returns empty struct",
			input: nil,
			want:  &Params{},
		},
		{
			name: "extensions only",
			input: map[string]any{
				"extensions": []any{"httpfs", "json"},
			},
			want: &Params{Extensions: []string{"httpfs", "json"}},
		},
		{
			name: "settings are weakly typed",
			input: map[string]any{
				"settings": map[string]any{"memory_limit": "4GB", "threads": 4},
			},
			want: &Params{Settings: map[string]string{"memory_limit": "4GB", "threads": "4"}},
		},
		{
			name: "secret with scope",
			input: map[string]any{
				"secrets": []any{
					map[string]any{"type": "s3", "provider": "credential_chain", "scope": "s3://market-data"},
				},
			},
			want: &Params{Secrets: []SecretConfig{
				{Type: "s3", Provider: "credential_chain", Scope: "s3://market-data"},
			}},
		},
		{
			name:    "unknown key is rejected",
			input:   map[string]any{"extension": []any{"json"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParams(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParams_SetupStatements(t *testing.T) {
	p := &Params{
		Extensions: []string{"httpfs"},
		Settings:   map[string]string{"threads": "4", "memory_limit": "4GB"},
		Secrets: []SecretConfig{
			{Type: "gcs", KeyID: "id", Secret: "s", Scope: []any{"gs://a", "gs://b"}},
		},
	}

	assert.Equal(t, []string{
		"INSTALL httpfs",
		"LOAD httpfs",
		"SET memory_limit = '4GB'",
		"SET threads = '4'",
		"CREATE OR REPLACE SECRET featurepipe_gcs_0 (TYPE gcs, KEY_ID 'id', SECRET 's', SCOPE 'gs://a', SCOPE 'gs://b')",
	}, p.setupStatements())
}
