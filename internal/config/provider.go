// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// mapProvider adapts a plain map to koanf.Provider, used for the built-in
// defaults layer. koanf.v2's file/posflag providers ship as separate
// submodules; a literal-map layer has no submodule of its own, so this
// satisfies the same small two-method interface directly.
type mapProvider map[string]interface{}

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: mapProvider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}(m), nil
}

// envProvider reads PUZZLEHUB_-prefixed environment variables into the same
// dotted-key shape as Config's koanf tags. A double underscore marks
// nesting (matching a "." in the tag); a single underscore is kept
// literal, so PUZZLEHUB_HUB__QUEUE_SIZE maps to hub.queue_size and
// PUZZLEHUB_DATABASE_URL maps to database_url. Durations (reorder_window,
// retry_base) are parsed with time.ParseDuration; everything else is left
// as a string for koanf's mapstructure decoder to coerce.
type envProvider struct {
	prefix string
}

func newEnvProvider(prefix string) *envProvider {
	return &envProvider{prefix: prefix}
}

func (e *envProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: envProvider does not support ReadBytes")
}

func (e *envProvider) Read() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, entry := range os.Environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(key, e.prefix) {
			continue
		}
		dotted := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, e.prefix), "__", "."))
		out[dotted] = coerceEnvValue(dotted, value)
	}
	return out, nil
}

// durationKeys names the Config fields that unmarshal into time.Duration,
// since koanf's mapstructure decoder expects a parsed duration (or a plain
// int64 of nanoseconds), not a duration-suffixed string, by default.
var durationKeys = map[string]struct{}{
	"hub.reorder_window": {},
	"append.retry_base":  {},
}

func coerceEnvValue(dottedKey, raw string) interface{} {
	if _, ok := durationKeys[dottedKey]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	return raw
}
