// Package keyspace names the fast-store keys shared by the click accounting,
// metadata cache and reconciliation components.
package keyspace

import "strings"

const (
	CounterPrefix  = "clicks:"
	LimitPrefix    = "limit:"
	MetadataPrefix = "shorturl:"

	// ReconcileLock guards reconciliation runs across processes.
	ReconcileLock = "lock:reconcile"
)

// Counter returns the click counter key for shortKey.
func Counter(shortKey string) string { return CounterPrefix + shortKey }

// Limit returns the click limit key for shortKey.
func Limit(shortKey string) string { return LimitPrefix + shortKey }

// Metadata returns the cached snapshot key for shortKey.
func Metadata(shortKey string) string { return MetadataPrefix + shortKey }

// ShortKeyFromCounter extracts the short key from a counter key.
func ShortKeyFromCounter(key string) (string, bool) {
	shortKey, ok := strings.CutPrefix(key, CounterPrefix)
	if !ok || shortKey == "" {
		return "", false
	}
	return shortKey, true
}
