package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Widget config keys read by SnapshotCollector.
const (
	ConfigKey   = "redis_key"
	ConfigField = "redis_field"
)

// SnapshotCollector serves widget data that an agent outside the hub keeps
// current in Redis. The widget config names the key, and optionally a hash
// field; the key defaults to widget:<type>:<id>. JSON values are decoded;
// anything else is passed on as a string.
type SnapshotCollector struct {
	client goredis.Cmdable
}

var _ domain.Collector = (*SnapshotCollector)(nil)

func NewSnapshotCollector(client goredis.Cmdable) *SnapshotCollector {
	return &SnapshotCollector{client: client}
}

// DefaultKey is the key read for a widget whose config names none.
func DefaultKey(widget domain.Widget) string {
	return fmt.Sprintf("widget:%s:%d", widget.Type, widget.ID)
}

// DefaultConfig copies the widget config, filling in redis_key when unset.
func (c *SnapshotCollector) DefaultConfig(widget domain.Widget) map[string]any {
	config := make(map[string]any, len(widget.Config)+1)
	for k, v := range widget.Config {
		config[k] = v
	}
	if key, _ := config[ConfigKey].(string); key == "" {
		config[ConfigKey] = DefaultKey(widget)
	}
	return config
}

func (c *SnapshotCollector) Fetch(ctx context.Context, config map[string]any) (domain.FetchResult, error) {
	key, _ := config[ConfigKey].(string)
	if key == "" {
		return domain.FetchResult{Error: ConfigKey + " not configured"}, nil
	}
	field, _ := config[ConfigField].(string)

	var cmd *goredis.StringCmd
	if field != "" {
		cmd = c.client.HGet(ctx, key, field)
	} else {
		cmd = c.client.Get(ctx, key)
	}

	raw, err := cmd.Result()
	if errors.Is(err, goredis.Nil) {
		return domain.FetchResult{Error: "no snapshot at " + describe(key, field)}, nil
	}
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("failed to read snapshot %s: %w", describe(key, field), err)
	}

	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return domain.FetchResult{Success: true, Data: raw}, nil
	}
	return domain.FetchResult{Success: true, Data: data}, nil
}

func describe(key, field string) string {
	if field == "" {
		return key
	}
	return key + "#" + field
}
