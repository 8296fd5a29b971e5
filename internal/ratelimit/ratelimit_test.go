package ratelimit

import "testing"

func TestBatchSize(t *testing.T) {
	cases := []struct {
		rps  int
		want int
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{10, 10},
		{500, 500},
	}
	for _, c := range cases {
		if got := BatchSize(c.rps); got != c.want {
			t.Errorf("BatchSize(%d) = %d, want %d", c.rps, got, c.want)
		}
	}
}
