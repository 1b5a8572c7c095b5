// Package proxy forwards memcache requests to an upstream cache.
//
// A Backend talks to the upstream, memcache through gomemcache or redis
// through a redigo pool. Calls carry a per call timeout and are never
// retried. The Executor plugs a Backend into the server workers: a failed
// read is answered as a miss, a failed write with SERVER_ERROR.
package proxy
