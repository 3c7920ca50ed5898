//go:build arm64

package arch

var native = Arm64
