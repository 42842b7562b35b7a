// Package pingstats implements PingHistory and RouteStats, spec.md
// §4.3: a fixed-size ring of outstanding pings per route, and the
// rtt/jitter/packet-loss aggregation windowed over it.
package pingstats

import "time"

// HistorySize is the ring capacity: enough entries to cover a few
// seconds of pings at the configured ping rate without wrapping before
// RouteStats has had a chance to read them.
const HistorySize = 256

type pingEntry struct {
	sequence uint64
	sendTime time.Time
	recvTime time.Time
	valid    bool
}

// PingHistory is a ring of {sequence, send_time, recv_time} entries.
type PingHistory struct {
	entries        [HistorySize]pingEntry
	nextSequence   uint64
}

// New returns an empty PingHistory.
func New() *PingHistory {
	return &PingHistory{}
}

// PingSent allocates the next sequence number and records its send
// time, overwriting whatever entry previously occupied that ring slot.
func (h *PingHistory) PingSent(now time.Time) uint64 {
	seq := h.nextSequence
	h.nextSequence++
	h.entries[seq%HistorySize] = pingEntry{sequence: seq, sendTime: now, valid: true}
	return seq
}

// PongReceived fills in the receive time for seq, if the ring slot
// still holds that sequence (it may have been overwritten by a later
// PingSent, in which case the pong is too late to record).
func (h *PingHistory) PongReceived(seq uint64, now time.Time) {
	e := &h.entries[seq%HistorySize]
	if e.valid && e.sequence == seq && e.recvTime.IsZero() {
		e.recvTime = now
	}
}

// RouteStats holds the aggregate metrics RouteStats() computes over a
// window.
type RouteStats struct {
	RTT        time.Duration
	Jitter     time.Duration
	PacketLoss float64
}

// Stats computes RTT, jitter and packet loss over [start,end], per
// spec.md §4.3. safety is the extra grace period beyond one ping
// interval before an unanswered ping within the window counts as lost.
func (h *PingHistory) Stats(start, end, now time.Time, pingInterval, safety time.Duration) RouteStats {
	var (
		rttSum     time.Duration
		rttCount   int
		prevRTT    time.Duration
		havePrev   bool
		jitterSum  time.Duration
		jitterN    int
		total      int
		lost       int
	)

	lossDeadline := pingInterval + safety

	for i := range h.entries {
		e := h.entries[i]
		if !e.valid || e.sendTime.Before(start) || e.sendTime.After(end) {
			continue
		}
		total++

		if e.recvTime.IsZero() {
			if now.Sub(e.sendTime) > lossDeadline {
				lost++
			}
			continue
		}
		if e.recvTime.After(end) {
			lost++
			continue
		}

		rtt := e.recvTime.Sub(e.sendTime)
		rttSum += rtt
		rttCount++

		if havePrev {
			delta := rtt - prevRTT
			if delta < 0 {
				delta = -delta
			}
			jitterSum += delta
			jitterN++
		}
		prevRTT = rtt
		havePrev = true
	}

	var stats RouteStats
	if rttCount > 0 {
		stats.RTT = rttSum / time.Duration(rttCount)
	}
	if jitterN > 0 {
		stats.Jitter = jitterSum / time.Duration(jitterN)
	}
	if total > 0 {
		stats.PacketLoss = float64(lost) / float64(total)
	}
	return stats
}
