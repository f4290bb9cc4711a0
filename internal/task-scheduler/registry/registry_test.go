package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-orchestrator/internal/config"
)

func TestGet_RegisteredServices(t *testing.T) {
	r, err := FromConfig([]config.ServiceConfig{
		{Name: "fit", Branch: "main", Repo: "git@example.org:fit.git", StartCmd: "bin/start", StatusCmd: "bin/status", StopCmd: "bin/stop"},
		{Name: "legacy", StartCmd: "run.sh", Legacy: true, ResultFile: "products.json"},
	})
	require.NoError(t, err)

	testCases := []struct {
		name        string
		service     string
		branch      string
		expectError bool
	}{
		{name: "explicit branch", service: "fit", branch: "main"},
		{name: "default branch", service: "legacy", branch: ""},
		{name: "unknown branch", service: "fit", branch: "dev", expectError: true},
		{name: "unknown service", service: "nope", branch: "main", expectError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := r.Get(tc.service, tc.branch)
			if tc.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.service, svc.Name)
		})
	}
}

func TestResultFiles(t *testing.T) {
	assert.Equal(t, []string{"product.json", "products.json"}, (&Service{}).ResultFiles())
	assert.Equal(t, []string{"out.json"}, (&Service{ResultFile: "out.json"}).ResultFiles())
}

func TestSchemas(t *testing.T) {
	r, err := FromConfig([]config.ServiceConfig{{
		Name: "fit", StartCmd: "s",
		ParamSchema:  `{"type":"object","required":["target"]}`,
		ResultSchema: `{"type":"array"}`,
	}})
	require.NoError(t, err)
	svc, err := r.Get("fit", "")
	require.NoError(t, err)

	assert.NoError(t, svc.ValidateConfig([]byte(`{"target":"m31"}`)))
	assert.Error(t, svc.ValidateConfig([]byte(`{}`)))
	assert.NoError(t, svc.ValidateResult([]byte(`[]`)))
	assert.Error(t, svc.ValidateResult([]byte(`{}`)))

	// Services without schemas accept any well-formed document.
	plain := &Service{Name: "p"}
	assert.NoError(t, plain.ValidateResult([]byte(`{"x":1}`)))
}

func TestFromConfig_BadSchema(t *testing.T) {
	_, err := FromConfig([]config.ServiceConfig{{Name: "fit", StartCmd: "s", ResultSchema: `{"type":"nope"}`}})
	assert.Error(t, err)
}
