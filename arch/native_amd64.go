//go:build amd64

package arch

var native = Amd64
