package util

import "github.com/dustin/go-humanize"

// Hashrate formats a shares-per-second value as a human-readable hash
// rate, e.g. "1.2 MH/s".
func Hashrate(sharesPerSecond float64) string {
	if sharesPerSecond < 0 {
		sharesPerSecond = 0
	}
	return humanize.SIWithDigits(sharesPerSecond, 2, "H/s")
}

// Bytes formats a byte count as a human-readable size, e.g. "3.4 MB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

// Comma formats an integer with thousands separators, e.g. "1,234,567".
func Comma(n int64) string {
	return humanize.Comma(n)
}
