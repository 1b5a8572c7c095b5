package memcache

import (
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"github.com/twitter/pelikan-sub003/lib/seg"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
)

// Storage executes memcache requests against a segcache engine. It must be
// used by the goroutine that owns the engine.
type Storage struct {
	seg      *seg.Seg
	timeType seg.TimeType
	clock    func() time.Time
}

// NewStorage wraps s. Expiration times are interpreted with timeType.
func NewStorage(s *seg.Seg, timeType seg.TimeType, clock func() time.Time) *Storage {
	if clock == nil {
		clock = time.Now
	}
	return &Storage{seg: s, timeType: timeType, clock: clock}
}

// Seg returns the wrapped engine
func (st *Storage) Seg() *seg.Seg { return st.seg }

// flags are kept in the optional header of an item
func encodeFlags(flags uint32) []byte {
	if flags == 0 {
		return nil
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], flags)
	return buf[:]
}

func decodeFlags(optional []byte) uint32 {
	if len(optional) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(optional)
}

// Execute runs req and returns its response
func (st *Storage) Execute(req *protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.KindGet, protocol.KindGets:
		entries := st.seg.Get(req.Keys...)
		resp := protocol.Response{
			Status:  protocol.StatusValues,
			WithCas: req.Kind == protocol.KindGets,
			Values:  make([]protocol.Value, 0, len(entries)),
		}
		for _, e := range entries {
			data := e.Value
			if e.Numeric {
				data = strconv.AppendUint(nil, e.Number, 10)
			}
			resp.Values = append(resp.Values, protocol.Value{
				Key:   e.Key,
				Data:  data,
				Flags: decodeFlags(e.Optional),
				Cas:   e.Cas,
			})
		}
		return resp

	case protocol.KindSet, protocol.KindAdd, protocol.KindReplace, protocol.KindCas:
		return st.store(req)

	case protocol.KindDelete:
		if err := st.seg.Delete(req.Key()); err != nil {
			return protocol.Response{Status: protocol.StatusNotFound}
		}
		return protocol.Response{Status: protocol.StatusDeleted}

	case protocol.KindIncr, protocol.KindDecr:
		var (
			n   uint64
			err error
		)
		if req.Kind == protocol.KindIncr {
			n, err = st.seg.Incr(req.Key(), req.Delta)
		} else {
			n, err = st.seg.Decr(req.Key(), req.Delta)
		}
		switch {
		case errors.Is(err, seg.ErrNotFound):
			return protocol.Response{Status: protocol.StatusNotFound}
		case errors.Is(err, seg.ErrNotNumeric):
			return protocol.ClientError("cannot increment or decrement non-numeric value")
		case errors.Is(err, seg.ErrNotStored):
			return protocol.Response{Status: protocol.StatusNotStored}
		case err != nil:
			return protocol.ServerError(err.Error())
		}
		return protocol.Response{Status: protocol.StatusNumber, Number: n}

	case protocol.KindFlushAll:
		st.seg.Clear()
		return protocol.Response{Status: protocol.StatusOk}

	case protocol.KindVersion:
		return protocol.Response{Status: protocol.StatusVersion}

	case protocol.KindQuit:
		return protocol.Response{Status: protocol.StatusNone}
	}
	return protocol.Response{Status: protocol.StatusError}
}

func (st *Storage) store(req *protocol.Request) protocol.Response {
	ttl := st.timeType.TTL(req.Exptime, st.clock())
	key, value, flags := req.Key(), req.Value, encodeFlags(req.Flags)

	var err error
	switch req.Kind {
	case protocol.KindSet:
		err = st.seg.Insert(key, value, flags, ttl)
	case protocol.KindAdd:
		err = st.seg.Add(key, value, flags, ttl)
	case protocol.KindReplace:
		err = st.seg.Replace(key, value, flags, ttl)
	case protocol.KindCas:
		err = st.seg.Cas(key, value, flags, ttl, req.Cas)
	}

	switch {
	case err == nil:
		return protocol.Response{Status: protocol.StatusStored}
	case errors.Is(err, seg.ErrExists):
		return protocol.Response{Status: protocol.StatusExists}
	case errors.Is(err, seg.ErrNotFound):
		return protocol.Response{Status: protocol.StatusNotFound}
	case errors.Is(err, seg.ErrItemOversized):
		return protocol.ServerError("object too large for cache")
	}
	return protocol.Response{Status: protocol.StatusNotStored}
}
