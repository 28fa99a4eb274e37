package tun

import "testing"

func TestMaskPrefixLen(t *testing.T) {
	cases := []struct {
		mask uint32
		want int
	}{
		{0xFF000000, 8},
		{0xFFFF0000, 16},
		{0xFFFFFF00, 24},
		{0xFFFFFFFF, 32},
		{0, 0},
	}
	for _, c := range cases {
		if got := maskPrefixLen(c.mask); got != c.want {
			t.Errorf("maskPrefixLen(%08x) = %d, want %d", c.mask, got, c.want)
		}
	}
}
