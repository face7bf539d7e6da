package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindNameRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindDeviceLookup, KindGuideList, KindGuideDetail, KindWebSearch} {
		resolved, ok := KindFromName(kind.Name())
		require.True(t, ok, kind.Name())
		assert.Equal(t, kind, resolved)
	}
	_, ok := KindFromName("rm_rf")
	assert.False(t, ok)
}

func TestDefinitionsCoverEveryKind(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, 4)
	names := map[string]bool{}
	for _, def := range defs {
		names[def.Name] = true
		assert.NotEmpty(t, def.Description)
		assert.Equal(t, "object", def.Parameters["type"])
	}
	assert.True(t, names["find_device"])
	assert.True(t, names["list_guides"])
	assert.True(t, names["get_guide"])
	assert.True(t, names["web_search"])
}

func TestInvokeValidatesArguments(t *testing.T) {
	s := NewSet()

	res := s.Invoke(context.Background(), KindDeviceLookup, map[string]any{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Text, "VALIDATION_ERROR")

	res = s.Invoke(context.Background(), KindGuideDetail, map[string]any{"guide_id": "not a number"})
	assert.Equal(t, OutcomeError, res.Outcome)
}

func TestInvokeDispatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"title":"PlayStation 5","url":"https://example.com"}]}`))
	}))
	defer srv.Close()

	s := NewSet(func(o *Options) {
		o.IFixit = NewIFixitClient(func(io *IFixitOptions) { io.BaseURL = srv.URL })
	})

	res := s.Invoke(context.Background(), KindDeviceLookup, map[string]any{"query": "ps5"})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, KindDeviceLookup, res.Kind)
}

func TestInvokeAcceptsJSONNumberGuideID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guides/42", r.URL.Path)
		_, _ = w.Write([]byte(`{"title":"Guide","steps":[]}`))
	}))
	defer srv.Close()

	s := NewSet(func(o *Options) {
		o.IFixit = NewIFixitClient(func(io *IFixitOptions) { io.BaseURL = srv.URL })
	})

	// JSON decoding hands numbers over as float64.
	res := s.Invoke(context.Background(), KindGuideDetail, map[string]any{"guide_id": float64(42)})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestStatusLabels(t *testing.T) {
	assert.Equal(t, "Searching iFixit for device...", KindDeviceLookup.StatusLabel())
	assert.Equal(t, "find_device completed", KindDeviceLookup.DoneLabel())
}
