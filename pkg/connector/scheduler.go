package connector

import "time"

// Scheduler tracks the poll and scan deadlines on a monotonic clock. The
// deadlines advance by whole periods from the previous deadline, not from
// the completion time, so cadence does not drift under slow cycles.
type Scheduler struct {
	pollPeriod time.Duration
	scanPeriod time.Duration

	nextPoll time.Time
	nextScan time.Time

	now func() time.Time // test hook
}

func NewScheduler(pollPeriod, scanPeriod time.Duration) *Scheduler {
	s := &Scheduler{
		pollPeriod: pollPeriod,
		scanPeriod: scanPeriod,
		now:        time.Now,
	}
	t := s.now()
	s.nextPoll = t
	s.nextScan = t
	return s
}

// ScanDue reports whether the scan deadline has passed.
func (s *Scheduler) ScanDue() bool {
	return !s.now().Before(s.nextScan)
}

// PollDue reports whether the poll deadline has passed.
func (s *Scheduler) PollDue() bool {
	return !s.now().Before(s.nextPoll)
}

// MarkScan advances the scan deadline past the current time.
func (s *Scheduler) MarkScan() {
	s.nextScan = advance(s.nextScan, s.scanPeriod, s.now())
}

// MarkPoll advances the poll deadline past the current time.
func (s *Scheduler) MarkPoll() {
	s.nextPoll = advance(s.nextPoll, s.pollPeriod, s.now())
}

// NextDelay returns how long until the earlier of the two deadlines, never
// negative.
func (s *Scheduler) NextDelay() time.Duration {
	next := s.nextPoll
	if s.nextScan.Before(next) {
		next = s.nextScan
	}
	d := next.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// advance moves deadline forward by whole periods until it is after now.
// When a cycle overran by several periods the missed ticks are skipped
// rather than fired in a burst.
func advance(deadline time.Time, period time.Duration, now time.Time) time.Time {
	if period <= 0 {
		return now
	}
	for !deadline.After(now) {
		deadline = deadline.Add(period)
	}
	return deadline
}
