// Package loader registers all built-in store drivers.
package loader

import (
	_ "github.com/talkmesh/talkmesh-go/internal/store/memory"
	_ "github.com/talkmesh/talkmesh-go/internal/store/sqlite"
)
