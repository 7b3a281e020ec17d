package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: ErrMissingToken},
		{name: "wrong scheme", header: "Basic abc", wantErr: ErrBadScheme},
		{name: "empty token", header: "Bearer    ", wantErr: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Name: "tui", Token: "reader", Scopes: []string{ScopeChatRO}},
		{Name: "ops", Token: "writer", Scopes: []string{" plugins:rw ", ""}},
	}

	admin, ok := Authenticate("master", "master", tokens)
	require.True(t, ok)
	assert.Equal(t, AdminName, admin.Name)
	assert.True(t, HasAnyScope(admin, ScopePluginsRW))

	reader, ok := Authenticate("reader", "master", tokens)
	require.True(t, ok)
	assert.Equal(t, "tui", reader.Name)
	assert.True(t, HasAnyScope(reader, ScopeChatRO))
	assert.False(t, HasAnyScope(reader, ScopeChatRW))

	writer, ok := Authenticate("writer", "master", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(writer, ScopePluginsRO), "rw implies ro")
	assert.Len(t, writer.Scopes, 2)

	_, ok = Authenticate("nope", "master", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty key never authenticates")
}

func TestKnownScopes(t *testing.T) {
	for _, s := range KnownScopes() {
		assert.True(t, IsKnownScope(s), s)
	}
	assert.True(t, IsKnownScope(" chat:rw "))
	assert.False(t, IsKnownScope("jobs:ro"))

	scopes := KnownScopes()
	scopes[0] = "mutated"
	assert.True(t, IsKnownScope(ScopeChatRO), "KnownScopes returns a copy")
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Name: "t"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t", p.Name)
	assert.True(t, HasAnyScope(p), "no required scopes always passes")
}
