package server

import (
	"errors"
	"time"

	"github.com/twitter/pelikan-sub003/lib/seg"
	"github.com/twitter/pelikan-sub003/rpc/transport/poll"
)

var errOwnerBusy = errors.New("storage owner did not answer in time")

// engineOwner is held by the goroutine that owns the engine, a single
// worker or the storage goroutine. It runs periodic maintenance and answers
// introspection queries from other goroutines.
type engineOwner struct {
	seg      *seg.Seg
	interval time.Duration
	compact  bool
	last     time.Time

	infoReq chan chan seg.Info
	waker   *poll.Waker
}

func newEngineOwner(s *seg.Seg, interval time.Duration) *engineOwner {
	if interval <= 0 {
		interval = time.Second
	}
	return &engineOwner{
		seg:      s,
		interval: interval,
		compact:  s.Info(false).Policy == seg.PolicyMerge.String(),
		last:     time.Now(),
		infoReq:  make(chan chan seg.Info, 1),
	}
}

// maintain expires segments, and compacts under the merge policy, once per interval
func (o *engineOwner) maintain(now time.Time) {
	if o == nil || now.Sub(o.last) < o.interval {
		return
	}
	o.last = now
	expired := o.seg.Expire()
	compacted := 0
	if o.compact {
		compacted = o.seg.Compact()
	}
	if expired > 0 || compacted > 0 {
		Logger.Debugf("maintenance: %d segments expired, %d compacted", expired, compacted)
	}
}

// serve answers a pending introspection query
func (o *engineOwner) serve() {
	if o == nil {
		return
	}
	select {
	case reply := <-o.infoReq:
		reply <- o.seg.Info(true)
	default:
	}
}

// Info asks the owning goroutine for an engine snapshot
func (o *engineOwner) Info(timeout time.Duration) (seg.Info, error) {
	reply := make(chan seg.Info, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o.infoReq <- reply:
	case <-timer.C:
		return seg.Info{}, errOwnerBusy
	}
	if o.waker != nil {
		_ = o.waker.Wake()
	}
	select {
	case info := <-reply:
		return info, nil
	case <-timer.C:
		return seg.Info{}, errOwnerBusy
	}
}
