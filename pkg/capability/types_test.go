package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSkillID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"calendar_management", true},
		{"a", true},
		{"web3_tools", true},
		{"Calendar", false},
		{"1skill", false},
		{"_private", false},
		{"", false},
		{"skill-name", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidSkillID(tt.id))
		})
	}
}

func TestNamespacedName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gh.create_issue", NamespacedName("gh", "create_issue"))

	server, original, ok := SplitNamespacedName("gh.create_issue")
	assert.True(t, ok)
	assert.Equal(t, "gh", server)
	assert.Equal(t, "create_issue", original)

	// Original names may themselves contain dots; only the first separator
	// belongs to the namespace.
	server, original, ok = SplitNamespacedName("fs.read.file")
	assert.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read.file", original)

	_, _, ok = SplitNamespacedName("plainname")
	assert.False(t, ok)
	_, _, ok = SplitNamespacedName(".leading")
	assert.False(t, ok)
	_, _, ok = SplitNamespacedName("trailing.")
	assert.False(t, ok)
}

func TestServerStatusConnectable(t *testing.T) {
	t.Parallel()

	assert.True(t, ServerConnected.Connectable())
	assert.True(t, ServerDegraded.Connectable())
	assert.False(t, ServerConnecting.Connectable())
	assert.False(t, ServerDisconnected.Connectable())
	assert.False(t, ServerError.Connectable())
}

func TestBackendName(t *testing.T) {
	t.Parallel()

	external := &Tool{OriginalName: "create_issue"}
	external.Name = "gh.create_issue"
	assert.Equal(t, "create_issue", external.BackendName())

	internal := &Tool{}
	internal.Name = "weather_get"
	assert.Equal(t, "weather_get", internal.BackendName())
}
