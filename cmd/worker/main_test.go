package main

import "testing"

func TestTrim(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"13.2.0\n", "13.2.0"},
		{"x86_64-linux-gnu\r\n", "x86_64-linux-gnu"},
		{"no-newline", "no-newline"},
		{"", ""},
		{"\n\n", ""},
	}
	for _, tc := range cases {
		if got := trim([]byte(tc.in)); got != tc.want {
			t.Errorf("trim(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
