package postgres

import (
	"testing"
	"time"
)

func TestElapsedKeepsSubMillisecondPrecision(t *testing.T) {
	cases := []time.Duration{
		0,
		250 * time.Microsecond,
		100*time.Millisecond + 250*time.Microsecond,
		2 * time.Second,
	}
	for _, elapsed := range cases {
		if got := elapsedFromMicros(elapsedMicros(elapsed)); got != elapsed {
			t.Fatalf("elapsed %s stored as %s", elapsed, got)
		}
	}
}
