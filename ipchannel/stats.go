package ipchannel

import "sync/atomic"

// statUnsupported is the sentinel value a STATISTICS counter carries when
// this implementation does not track it, per spec.md §7.
const statUnsupported uint32 = 0xffffffff

// StatCounters is the fixed set of per-channel counters exposed in
// STATISTICS packets. All counters saturate at 0xfffffffe rather than
// wrapping, so a client can tell "very large" from "reset".
type StatCounters struct {
	AuthFailures      uint32
	AltAuthUsed       uint32
	ParseErrors       uint32
	CrcErrors         uint32
	Dropped           uint32
	SegmentsDiscarded uint32
	Duplicates        uint32
	Lost              uint32
	AltPortUsed       uint32
}

// statCounters is the live, concurrency-safe counter set a Master/Client
// accumulates into; Snapshot renders it as the wire StatCounters.
type statCounters struct {
	authFailures      uint32
	altAuthUsed       uint32
	parseErrors       uint32
	crcErrors         uint32
	dropped           uint32
	segmentsDiscarded uint32
	duplicates        uint32
	lost              uint32
	altPortUsed       uint32
}

func saturatingAdd(p *uint32, delta uint32) {
	for {
		old := atomic.LoadUint32(p)
		if old >= statUnsupported-1 {
			return
		}
		next := statUnsupported - 1
		if delta < statUnsupported-1-old {
			next = old + delta
		}
		if atomic.CompareAndSwapUint32(p, old, next) {
			return
		}
	}
}

func (c *statCounters) incAuthFailures()      { saturatingAdd(&c.authFailures, 1) }
func (c *statCounters) incAltAuthUsed()       { saturatingAdd(&c.altAuthUsed, 1) }
func (c *statCounters) incParseErrors()       { saturatingAdd(&c.parseErrors, 1) }
func (c *statCounters) incCrcErrors()         { saturatingAdd(&c.crcErrors, 1) }
func (c *statCounters) incDropped()           { saturatingAdd(&c.dropped, 1) }
func (c *statCounters) incSegmentsDiscarded() { saturatingAdd(&c.segmentsDiscarded, 1) }
func (c *statCounters) incDuplicates()        { saturatingAdd(&c.duplicates, 1) }
func (c *statCounters) incLost(n uint32)      { saturatingAdd(&c.lost, n) }
func (c *statCounters) incAltPortUsed()       { saturatingAdd(&c.altPortUsed, 1) }

// Snapshot renders the live counters as the wire-format StatCounters.
func (c *statCounters) Snapshot() StatCounters {
	return StatCounters{
		AuthFailures:      atomic.LoadUint32(&c.authFailures),
		AltAuthUsed:       atomic.LoadUint32(&c.altAuthUsed),
		ParseErrors:       atomic.LoadUint32(&c.parseErrors),
		CrcErrors:         atomic.LoadUint32(&c.crcErrors),
		Dropped:           atomic.LoadUint32(&c.dropped),
		SegmentsDiscarded: atomic.LoadUint32(&c.segmentsDiscarded),
		Duplicates:        atomic.LoadUint32(&c.duplicates),
		Lost:              atomic.LoadUint32(&c.lost),
		AltPortUsed:       atomic.LoadUint32(&c.altPortUsed),
	}
}
