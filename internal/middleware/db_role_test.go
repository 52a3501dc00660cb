package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBRoleMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, ok := RoleFromContext(r.Context()); ok {
			w.Header().Set("X-Role", role)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name          string
		claims        map[string]interface{}
		allowedRoles  []string
		expectStatus  int
		expectRole    string
		expectMessage string
	}{
		{
			name:          "missing auth context",
			expectStatus:  http.StatusUnauthorized,
			expectMessage: "missing authentication",
		},
		{
			name:          "missing db_role claim",
			claims:        map[string]interface{}{},
			expectStatus:  http.StatusForbidden,
			expectMessage: "missing db_role claim",
		},
		{
			name:          "invalid db_role type",
			claims:        map[string]interface{}{"db_role": 123},
			expectStatus:  http.StatusBadRequest,
			expectMessage: "invalid db_role claim",
		},
		{
			name:          "empty db_role",
			claims:        map[string]interface{}{"db_role": ""},
			expectStatus:  http.StatusBadRequest,
			expectMessage: "invalid db_role claim",
		},
		{
			name:          "role outside allow list",
			claims:        map[string]interface{}{"db_role": "postgres"},
			allowedRoles:  []string{"bulk_writer", "bulk_loader"},
			expectStatus:  http.StatusForbidden,
			expectMessage: "invalid database role: postgres",
		},
		{
			name:         "role inside allow list",
			claims:       map[string]interface{}{"db_role": "bulk_loader"},
			allowedRoles: []string{"bulk_writer", "bulk_loader"},
			expectStatus: http.StatusOK,
			expectRole:   "bulk_loader",
		},
		{
			name:         "empty allow list accepts any role",
			claims:       map[string]interface{}{"db_role": "tenant_42"},
			expectStatus: http.StatusOK,
			expectRole:   "tenant_42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
			if tt.claims != nil {
				req = req.WithContext(WithAuthContext(req.Context(), AuthContext{Claims: tt.claims}))
			}

			rec := httptest.NewRecorder()
			DBRoleMiddleware("", tt.allowedRoles)(handler).ServeHTTP(rec, req)

			require.Equal(t, tt.expectStatus, rec.Code)
			assert.Equal(t, tt.expectRole, rec.Header().Get("X-Role"))

			if tt.expectMessage != "" {
				var payload struct {
					Errors []struct {
						Message string `json:"message"`
					} `json:"errors"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
				require.Len(t, payload.Errors, 1)
				assert.Equal(t, tt.expectMessage, payload.Errors[0].Message)
			}
		})
	}
}

func TestDBRoleMiddlewareCustomClaim(t *testing.T) {
	var seen string
	handler := DBRoleMiddleware("pg_role", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RoleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req = req.WithContext(WithAuthContext(req.Context(), AuthContext{
		Claims: map[string]interface{}{"pg_role": "bulk_writer", "db_role": "ignored"},
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "bulk_writer", seen)
}

func TestRoleFromContextRequiresValidation(t *testing.T) {
	_, ok := RoleFromContext(context.Background())
	assert.False(t, ok)

	_, ok = RoleFromContext(WithDBRole(context.Background(), "bulk_writer", false))
	assert.False(t, ok)

	role, ok := RoleFromContext(WithDBRole(context.Background(), "bulk_writer", true))
	assert.True(t, ok)
	assert.Equal(t, "bulk_writer", role)
}
