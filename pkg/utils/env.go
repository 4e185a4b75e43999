package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env returns the value of key, or def when it is unset or empty.
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envParsed reads key with parse and returns def when the value is missing, malformed or rejected by valid.
func envParsed[T any](key string, def T, parse func(string) (T, error), valid func(T) bool) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil || (valid != nil && !valid(v)) {
		return def
	}
	return v
}

// EnvInt reads a positive int (pool sizes, concurrency).
func EnvInt(key string, def int) int {
	return envParsed(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// EnvInt64 reads a non-negative int64 (unix timestamps, stream lengths).
func EnvInt64(key string, def int64) int64 {
	return envParsed(key, def, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	}, func(n int64) bool { return n >= 0 })
}

func EnvUint64(key string, def uint64) uint64 {
	return envParsed(key, def, func(s string) (uint64, error) {
		return strconv.ParseUint(s, 10, 64)
	}, nil)
}

// EnvDuration parses values like "200ms" or "2h".
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParsed(key, def, time.ParseDuration, func(d time.Duration) bool { return d >= 0 })
}

func EnvBool(key string, def bool) bool {
	return envParsed(key, def, strconv.ParseBool, nil)
}

// EnvList splits a comma separated value, dropping empty entries. Unset yields nil.
func EnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
