// Package internal contains helpers shared by the landlord packages.
package internal

import (
	"math/rand/v2"
	"time"
)

// Jitter n ± 5%
func Jitter(n time.Duration) time.Duration {
	ni := int64(n)
	if ni < 20 {
		return n
	}
	return time.Duration(ni + rand.Int64N(ni/10) - ni/20) //nolint
}
