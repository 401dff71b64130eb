// Package ratelimit limits events per IP address in fixed time windows, e.g.
// failed authentication attempts.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// Prefix lengths of the three address classes counted for each event, for IPv4
// and IPv6. An IPv4 address is counted for itself, its /26 and its /21.
var classBits = [2][3]int{
	{32, 26, 21},
	{64, 48, 32},
}

// Limiter counts events in one or more fixed windows, e.g. the current
// minute and the current day. Each event is counted for the three classes of
// the IP address, each class has its own limit.
type Limiter struct {
	sync.Mutex
	Windows []Window
}

// Window holds the limits and counts for one window duration.
type Window struct {
	Duration time.Duration
	Limits   [3]int64 // Per class, from narrow to wide.

	period int64 // Time divided by Duration, counts are for this period.
	counts map[netip.Prefix]int64
}

func classes(ip netip.Addr) (l [3]netip.Prefix) {
	ip = ip.Unmap()
	bits := classBits[1]
	if ip.Is4() {
		bits = classBits[0]
	}
	for i, n := range bits {
		// Only fails for invalid addresses, which all count as the zero prefix.
		l[i], _ = ip.Prefix(n)
	}
	return
}

// Add attempts to count n events for ip. If that would exceed a limit in any
// window, nothing is counted and false is returned. Counts of a window are
// reset when tm is in a later period than the previous call.
func (l *Limiter) Add(ip netip.Addr, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd returns whether Add would succeed.
func (l *Limiter) CanAdd(ip netip.Addr, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(add bool, ip netip.Addr, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	keys := classes(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		period := tm.UnixNano() / int64(w.Duration)
		if period > w.period || w.counts == nil {
			w.period = period
			w.counts = map[netip.Prefix]int64{}
		}
		for j, k := range keys {
			if w.counts[k]+n > w.Limits[j] {
				return false
			}
		}
	}
	if !add {
		return true
	}
	for _, w := range l.Windows {
		for _, k := range keys {
			w.counts[k] += n
		}
	}
	return true
}

// Reset clears the count for ip in the current periods, also removing it from
// the counts of its wider classes. Used after a successful authentication.
func (l *Limiter) Reset(ip netip.Addr, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	keys := classes(ip)
	for _, w := range l.Windows {
		if w.counts == nil || tm.UnixNano()/int64(w.Duration) != w.period {
			continue
		}
		n := w.counts[keys[0]]
		for _, k := range keys {
			w.counts[k] -= n
		}
	}
}
