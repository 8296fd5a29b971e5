package matcher

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		key, pattern string
		want         bool
	}{
		{"", "", true},
		{"x", "", false},
		{"anything", "*", true},
		{"", "*", true},
		{"order.created", "order.*", true},
		{"order", "order.*", false},
		{"payment.created", "order.*", false},
		{"order.created", "*.created", true},
		{"order.updated", "*.created", false},
		{"order.created", "order.created", true},
		{"order.created.v2", "order.*.v2", true},
		{"order.created.v3", "order.*.v2", false},
	}

	for _, c := range cases {
		if got := Match(c.key, c.pattern); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.key, c.pattern, got, c.want)
		}
	}
}
