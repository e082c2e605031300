package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fllarpy/request-profiler/domain"
)

func TestPolicy_Ignore(t *testing.T) {
	p, err := New([]string{"^/static/", "health"}, nil)
	require.NoError(t, err)

	testCases := []struct {
		name string
		want bool
	}{
		{"/static/app.js", false},
		{"/api/healthz", false},
		{"/api/users", true},
		{"/assets/static/x", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := p.ShouldRecord(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestPolicy_IgnoreTakesPrecedence(t *testing.T) {
	calls := 0
	p, err := New([]string{"secret"}, func() bool { calls++; return true })
	require.NoError(t, err)

	ok, err := p.ShouldRecord("/secret/area")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, calls, "sampler must not run for ignored names")
}

func TestPolicy_Sampling(t *testing.T) {
	t.Run("func", func(t *testing.T) {
		p, err := New(nil, func() bool { return false })
		require.NoError(t, err)
		ok, err := p.ShouldRecord("/a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("sampler", func(t *testing.T) {
		p, err := New(nil, SamplerFunc(func() bool { return true }))
		require.NoError(t, err)
		ok, err := p.ShouldRecord("/a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("not callable fails on first use", func(t *testing.T) {
		p, err := New(nil, "yes please")
		require.NoError(t, err, "construction must not validate the sampler")

		_, err = p.ShouldRecord("/a")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))
	})

	var nilFunc func() bool
	var nilSamplerFunc SamplerFunc
	for name, sampler := range map[string]any{
		"nil func":        nilFunc,
		"nil SamplerFunc": nilSamplerFunc,
	} {
		t.Run(name, func(t *testing.T) {
			p, err := New(nil, sampler)
			require.NoError(t, err)

			var ok bool
			require.NotPanics(t, func() { ok, err = p.ShouldRecord("/a") })
			assert.False(t, ok)
			assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
		})
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New([]string{"("}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))
}

func TestBuiltinSamplers(t *testing.T) {
	assert.False(t, Probability(0).Sample())
	assert.True(t, Probability(1).Sample())

	limited := RateLimited(0.0001, 2)
	assert.True(t, limited.Sample())
	assert.True(t, limited.Sample())
	assert.False(t, limited.Sample())

	assert.False(t, All(Probability(1), Probability(0)).Sample())
}
