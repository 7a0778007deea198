// Package loader registers the cache drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.com/talkmesh/talkmesh-go/internal/platform/cache/loader"
package loader

import (
	_ "github.com/talkmesh/talkmesh-go/internal/platform/cache/memory"
	_ "github.com/talkmesh/talkmesh-go/internal/platform/cache/valkey"
)
