package utils

import (
	"os"
	"strings"
)

// SafeEnv returns the trimmed value of key, or fallback when it is unset or
// blank.
func SafeEnv(key, fallback string) string {
	return FirstEnv(fallback, key)
}

// FirstEnv returns the first non-blank value among keys, in order.
func FirstEnv(fallback string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return fallback
}
