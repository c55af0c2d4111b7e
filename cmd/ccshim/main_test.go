package main

import (
	"testing"

	"github.com/smukkama/ccdispatch/pkg/config"
)

func TestTrim(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"13.2.0\n", "13.2.0"},
		{"x86_64-linux-gnu\r\n", "x86_64-linux-gnu"},
		{"no-newline", "no-newline"},
	}
	for _, tc := range cases {
		if got := trim([]byte(tc.in)); got != tc.want {
			t.Errorf("trim(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveJobServerAddr_UsesConfiguredAddrWhenDiscoveryDisabled(t *testing.T) {
	cfg := &config.Config{
		Fabric:    config.FabricConfig{JobServerAddr: "localhost:8930"},
		Discovery: config.DiscoveryConfig{Enabled: false},
	}
	if got := resolveJobServerAddr(cfg); got != "localhost:8930" {
		t.Errorf("resolveJobServerAddr() = %q, want %q", got, "localhost:8930")
	}
}
