package telemetry

import (
	"fmt"
	"math"
	"time"
)

const nanosPerSec = 1_000_000_000

// Timestamp is an epoch-anchored (sec, nsec) pair, always non-negative.
// nsec is always normalized into [0, 1e9).
type Timestamp struct {
	Sec  uint64
	Nsec uint32
}

// Duration is a signed (sec, nsec) pair with the same normalization rule.
type Duration struct {
	Sec  int64
	Nsec int32
}

// normalizeUnsigned carries excess nanoseconds into seconds, saturating at
// the max value of uint64 seconds.
func normalizeUnsigned(sec uint64, nsec int64) Timestamp {
	carry := nsec / nanosPerSec
	rem := nsec % nanosPerSec
	if rem < 0 {
		rem += nanosPerSec
		carry--
	}
	if carry > 0 {
		if sec > math.MaxUint64-uint64(carry) {
			return Timestamp{Sec: math.MaxUint64, Nsec: nanosPerSec - 1}
		}
		sec += uint64(carry)
	} else if carry < 0 {
		dec := uint64(-carry)
		if dec > sec {
			return Timestamp{Sec: 0, Nsec: 0}
		}
		sec -= dec
	}
	return Timestamp{Sec: sec, Nsec: uint32(rem)}
}

// NewTimestamp constructs a Timestamp from a (sec, nsec) pair, normalizing
// nsec into [0, 1e9) and carrying the excess into sec. Saturates at the
// numeric range of uint64 seconds rather than overflowing.
func NewTimestamp(sec uint64, nsec int64) Timestamp {
	return normalizeUnsigned(sec, nsec)
}

// TimestampFromTime converts a wall-clock time.Time into a Timestamp.
// Times before the Unix epoch saturate to the zero Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	unixNano := t.UnixNano()
	if unixNano < 0 {
		return Timestamp{}
	}
	return NewTimestamp(uint64(unixNano)/nanosPerSec, int64(unixNano)%nanosPerSec)
}

// NowTimestamp returns the current wall-clock time as a Timestamp.
func NowTimestamp() Timestamp {
	return TimestampFromTime(time.Now())
}

// TimestampFromRFC3339 parses an ISO-8601 / RFC 3339 datetime string into a
// Timestamp. Datetimes before the Unix epoch saturate to the zero Timestamp.
func TimestampFromRFC3339(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, wrapErr(KindInvalidValue, err, "parse datetime %q", s)
	}
	return TimestampFromTime(t), nil
}

// TimestampFromSecondsF64 converts a floating-point seconds-since-epoch
// value into a Timestamp. Negative, zero or NaN input yields the zero
// Timestamp; values beyond the uint64 seconds range, including +Inf,
// saturate to the maximum Timestamp.
func TimestampFromSecondsF64(seconds float64) Timestamp {
	if math.IsNaN(seconds) || seconds <= 0 {
		return Timestamp{}
	}
	sec := math.Floor(seconds)
	fracNanos := (seconds - sec) * nanosPerSec
	if sec >= math.MaxUint64 {
		return Timestamp{Sec: math.MaxUint64, Nsec: nanosPerSec - 1}
	}
	return NewTimestamp(uint64(sec), int64(math.Round(fracNanos)))
}

// AsNanos returns the timestamp as nanoseconds since the epoch. Saturates at
// math.MaxUint64 rather than overflowing (nanoseconds-since-epoch is the unit
// the MCAP container and the WebSocket wire protocol both use).
func (t Timestamp) AsNanos() uint64 {
	secNanos := uint64(t.Sec) * nanosPerSec
	if t.Sec > 0 && secNanos/nanosPerSec != t.Sec {
		return math.MaxUint64
	}
	if secNanos > math.MaxUint64-uint64(t.Nsec) {
		return math.MaxUint64
	}
	return secNanos + uint64(t.Nsec)
}

// AsTime converts the Timestamp to a time.Time.
func (t Timestamp) AsTime() time.Time {
	return time.Unix(0, 0).Add(time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec))
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}

// NewDuration constructs a Duration from a (sec, nsec) pair, normalizing
// nsec into [0, 1e9) and carrying the excess into sec.
func NewDuration(sec int64, nsec int64) Duration {
	carry := nsec / nanosPerSec
	rem := nsec % nanosPerSec
	if rem < 0 {
		rem += nanosPerSec
		carry--
	}
	return Duration{Sec: sec + carry, Nsec: int32(rem)}
}

// Sub returns the signed Duration between two timestamps (t - other).
func (t Timestamp) Sub(other Timestamp) Duration {
	return NewDuration(int64(t.Sec)-int64(other.Sec), int64(t.Nsec)-int64(other.Nsec))
}
