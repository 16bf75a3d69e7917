package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-char hex identifier, namespaced as prefix_<hex>
// when a prefix is given.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
