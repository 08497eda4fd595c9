// Package ntfstime converts between NTFS's on-disk timestamp format (100ns
// intervals since 1601-01-01 UTC) and time.Time.
package ntfstime

import "time"

// epochOffset is the number of 100ns intervals between the NTFS epoch
// (1601-01-01) and the Unix epoch (1970-01-01).
const epochOffset = 116444736000000000

// Time is an NTFS FILETIME-style timestamp: 100ns units since 1601-01-01.
type Time uint64

// FromTime converts a time.Time to an NTFS timestamp.
func FromTime(t time.Time) Time {
	// Unix seconds plus sub-second 100ns units: t.UnixNano() overflows int64
	// for dates before 1678, which NTFS timestamps can still name.
	return Time(t.Unix()*10_000_000 + int64(t.Nanosecond())/100 + epochOffset)
}

// Time converts an NTFS timestamp to a time.Time in UTC.
func (t Time) Time() time.Time {
	return time.Unix(int64(t/10_000_000)-epochOffset/10_000_000, int64(t%10_000_000)*100).UTC()
}

// Now returns the current time as an NTFS timestamp.
func Now() Time { return FromTime(time.Now()) }
