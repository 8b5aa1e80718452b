package livecfg

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-selfimprove/internal/config"
	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

func TestFromConfigParsesTunables(t *testing.T) {
	store, err := FromConfig([]config.TunableConfig{
		{Component: "pipe_client", Param: "retry_delay", Type: "duration", Value: "250ms"},
		{Component: "reasoning", Param: "reflection_enabled", Type: "bool", Value: "true"},
	})
	require.NoError(t, err)

	v, err := store.Get(models.ConfigScope{Component: models.ComponentPipeClient, Param: "retry_delay"})
	require.NoError(t, err)
	assert.Equal(t, models.DurationValue(250*time.Millisecond), v)

	_, err = FromConfig([]config.TunableConfig{{Component: "x", Param: "y", Type: "number", Value: "many"}})
	require.Error(t, err)
}

func TestSetRejectsUnknownScopeAndTypeChange(t *testing.T) {
	scope := models.ConfigScope{Component: models.ComponentServer, Param: "max_concurrent_requests"}
	store := New(map[models.ConfigScope]models.ParamValue{scope: models.NumberValue(16)})

	_, err := store.Set(models.ConfigScope{Component: models.ComponentServer, Param: "nope"}, models.NumberValue(1))
	assert.True(t, errors.Is(err, ErrUnknownScope))

	_, err = store.Set(scope, models.StringValue("sixteen"))
	require.Error(t, err)

	old, err := store.Set(scope, models.NumberValue(24))
	require.NoError(t, err)
	assert.Equal(t, models.NumberValue(16), old)
	assert.Equal(t, models.NumberValue(24), store.Snapshot()["server.max_concurrent_requests"])
}

func TestSubscribeAndCancel(t *testing.T) {
	scope := models.ConfigScope{Component: models.ComponentCache, Param: "cache_size"}
	store := New(map[models.ConfigScope]models.ParamValue{scope: models.NumberValue(1000)})

	var seen []float64
	cancel := store.Subscribe(func(_ models.ConfigScope, _, updated models.ParamValue) {
		seen = append(seen, updated.Number)
	})
	_, err := store.Set(scope, models.NumberValue(2000))
	require.NoError(t, err)
	cancel()
	_, err = store.Set(scope, models.NumberValue(3000))
	require.NoError(t, err)

	assert.Equal(t, []float64{2000}, seen)
}
