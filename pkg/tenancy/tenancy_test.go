package tenancy

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scope    Scope
		isGlobal bool
		rowOrg   string
		want     bool
	}{
		{"global row, no org", NewScope(""), true, "", true},
		{"global row, with org", NewScope("org-a"), true, "", true},
		{"own org row", NewScope("org-a"), false, "org-a", true},
		{"other org row", NewScope("org-b"), false, "org-a", false},
		{"org row, anonymous caller", NewScope(""), false, "org-a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.scope.Visible(tt.isGlobal, tt.rowOrg))
		})
	}
}

func TestCacheKeyEncodesPredicate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "global", NewScope("").CacheKey())
	assert.Equal(t, "org:org-a", NewScope("org-a").CacheKey())
	assert.NotEqual(t, NewScope("org-a").CacheKey(), NewScope("org-b").CacheKey())
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithScope(context.Background(), NewScope("org-42"))
	assert.Equal(t, "org-42", FromContext(ctx).OrgID)

	// Missing scope defaults to global-only.
	assert.True(t, FromContext(context.Background()).GlobalOnly())
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/search", nil)
	assert.True(t, FromRequest(r).GlobalOnly())

	r.Header.Set(HeaderOrganizationID, "org-7")
	assert.Equal(t, "org-7", FromRequest(r).OrgID)
}
