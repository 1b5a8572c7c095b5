//go:build debug

package seg

// magicSize is the length of the item header magic; debug builds verify it on every read
const magicSize = 4
