package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStreamValues(t *testing.T) {
	out, err := EncodeStreamValues(map[string]interface{}{
		"s":     "text",
		"b":     []byte("raw"),
		"i":     42,
		"i64":   int64(-7),
		"f":     12.5,
		"flag":  true,
		"tags":  []string{"a", "b"},
		"extra": map[string]interface{}{"k": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "text", out["s"])
	assert.Equal(t, "raw", out["b"])
	assert.Equal(t, "42", out["i"])
	assert.Equal(t, "-7", out["i64"])
	assert.Equal(t, "12.5", out["f"])
	assert.Equal(t, "true", out["flag"])
	assert.Equal(t, `["a","b"]`, out["tags"])
	assert.Equal(t, `{"k":1}`, out["extra"])
}

func TestEncodeStreamValues_Unencodable(t *testing.T) {
	_, err := EncodeStreamValues(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestPublishJSONToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	id, err := PublishJSONToStream(ctx, client, "gateway:events", 10, map[string]interface{}{"event_type": "mode_change"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := client.XRange(ctx, "gateway:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"event_type":"mode_change"}`, entries[0].Values["data"])
	assert.NotEmpty(t, entries[0].Values["timestamp"])
}
