package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQualityFromRTT(t *testing.T) {
	cases := []struct {
		rtt  time.Duration
		want int
	}{
		{10 * time.Millisecond, 6},
		{80 * time.Millisecond, 5},
		{150 * time.Millisecond, 4},
		{300 * time.Millisecond, 3},
		{600 * time.Millisecond, 2},
		{time.Second, 1},
		{2 * time.Second, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, QualityFromRTT(tc.rtt), tc.rtt.String())
	}
}
