package seg

import (
	"encoding/binary"
	"fmt"

	"github.com/twitter/pelikan-sub003/lib/util"
)

// ----------------------------------------------------------------------------
// Item layout
// ----------------------------------------------------------------------------

// An item is stored inside a segment as
//
//	[magic u32, debug builds only] [len u32] [flags u8] [optional] [key] [value]
//
// len packs klen (bits 0-7) and vlen (bits 8-31). flags packs olen (bits 0-5),
// the numeric bit (6) and the deleted bit (7). Numeric values are stored as
// 8 bytes. Every item is padded to an 8 byte boundary and never crosses a
// segment boundary. Multi-byte fields use native byte order.

const (
	// MaxKeyLen is the largest key the item header can describe
	MaxKeyLen = 1<<8 - 1
	// MaxValueLen is the largest value the item header can describe
	MaxValueLen = 1<<24 - 1
	// MaxOptionalLen is the largest optional metadata the item header can describe
	MaxOptionalLen = 1<<6 - 1

	itemAlign  = 8
	itemMagic  = uint32(0xDECAFBAD)
	headerSize = magicSize + 5
	numericLen = 8

	flagNumeric = 1 << 6
	flagDeleted = 1 << 7
	olenMask    = 1<<6 - 1
)

var native = binary.NativeEndian

// itemSize returns the aligned number of bytes an item occupies in a segment
func itemSize(klen, vlen, olen int) int {
	return util.AlignUp(headerSize+olen+klen+vlen, itemAlign)
}

// rawItem is a view of one item starting at its header
type rawItem []byte

// writeItem encodes an item into dst, which must hold itemSize bytes
func writeItem(dst []byte, key, value, optional []byte, number uint64, numeric bool) rawItem {
	vlen := len(value)
	flags := byte(len(optional))
	if numeric {
		vlen = numericLen
		flags |= flagNumeric
	}

	if magicSize > 0 {
		native.PutUint32(dst, itemMagic)
	}
	native.PutUint32(dst[magicSize:], uint32(len(key))|uint32(vlen)<<8)
	dst[magicSize+4] = flags

	pos := headerSize
	pos += copy(dst[pos:], optional)
	pos += copy(dst[pos:], key)
	if numeric {
		native.PutUint64(dst[pos:], number)
	} else {
		copy(dst[pos:], value)
	}
	return rawItem(dst)
}

func (it rawItem) check() {
	if magicSize > 0 {
		if m := native.Uint32(it); m != itemMagic {
			panic(fmt.Sprintf("seg: corrupted item header, magic %#x", m))
		}
	}
}

func (it rawItem) klen() int { return int(native.Uint32(it[magicSize:]) & 0xff) }

func (it rawItem) vlen() int { return int(native.Uint32(it[magicSize:]) >> 8) }

func (it rawItem) olen() int { return int(it[magicSize+4] & olenMask) }

func (it rawItem) size() int { return itemSize(it.klen(), it.vlen(), it.olen()) }

func (it rawItem) deleted() bool { return it[magicSize+4]&flagDeleted != 0 }

func (it rawItem) numeric() bool { return it[magicSize+4]&flagNumeric != 0 }

func (it rawItem) setDeleted() { it[magicSize+4] |= flagDeleted }

func (it rawItem) optional() []byte {
	return it[headerSize : headerSize+it.olen()]
}

func (it rawItem) key() []byte {
	start := headerSize + it.olen()
	return it[start : start+it.klen()]
}

func (it rawItem) value() []byte {
	start := headerSize + it.olen() + it.klen()
	return it[start : start+it.vlen()]
}

func (it rawItem) number() uint64 {
	return native.Uint64(it.value())
}
