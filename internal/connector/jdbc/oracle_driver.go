//go:build cgo

package jdbc

import (
	_ "github.com/godror/godror" // Oracle driver (requires cgo)
)
