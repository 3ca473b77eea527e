package expr

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(request.headers, "accept") == "application/json"`)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://offline.test/graphql", nil)
	req.Header.Set("Accept", "application/json")
	matched, err := program.EvalBool(RequestActivation(req))
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing header")

	missing, err := env.Compile(`lookup(request.headers, "x-missing") == "value"`)
	require.NoError(t, err)
	matched, err = missing.EvalBool(RequestActivation(req))
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestRequestActivation(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://offline.test/media/hero.avif?w=640&w=1280", nil)
	req.Header.Set("Sec-Fetch-Dest", "Image")

	tests := []struct {
		expression string
		want       bool
	}{
		{`request.method == "GET"`, true},
		{`request.path.startsWith("/media/")`, true},
		{`request.destination == "image"`, true},
		{`request.query["w"] == "640"`, true},
		{`request.url.endsWith(".avif")`, false},
		{`"w" in request.query && request.path.endsWith(".avif")`, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.expression, func(t *testing.T) {
			program, err := env.Compile(tc.expression)
			require.NoError(t, err)
			got, err := program.EvalBool(RequestActivation(req))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`request.path`)
	require.NoError(t, err, "dyn-typed map values cannot be rejected at compile time")

	_, err = env.Compile(`"static"`)
	require.Error(t, err)

	_, err = env.Compile(`   `)
	require.Error(t, err)

	_, err = env.Compile(`request.path ==`)
	require.Error(t, err)
}

func TestEvalBoolNonBoolResult(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`request.path`)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "http://offline.test/a", nil)
	_, err = program.EvalBool(RequestActivation(req))
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())

	var zero Program
	_, err = zero.EvalBool(nil)
	require.Error(t, err)
}
