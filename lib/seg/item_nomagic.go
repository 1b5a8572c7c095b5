//go:build !debug

package seg

// magicSize is the length of the item header magic, zero in release builds
const magicSize = 0
