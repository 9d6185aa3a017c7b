//go:build linux

package canzero

import (
	"testing"

	"github.com/notnil/canzero/canbus"
)

func TestEndpointConfig_SocketCANOptions(t *testing.T) {
	cases := []struct {
		name       string
		content    string
		echo, link bool
	}{
		{"defaults", "[[endpoint]]\nname = \"can0\"\n", false, false},
		{"manage link", "[[endpoint]]\nname = \"can0\"\nbitrate = 125000\nmanage_link = true\n", false, true},
		{"echo and link", "[[endpoint]]\nname = \"can0\"\necho = true\nmanage_link = true\n", true, true},
	}
	for _, tc := range cases {
		cfg, err := ParseConfig(tc.content)
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		s := &canbus.SocketCAN{}
		for _, opt := range cfg.Endpoints[0].SocketCANOptions() {
			opt(s)
		}
		if s.Echo() != tc.echo || s.ManagesLink() != tc.link {
			t.Fatalf("%s: echo=%v link=%v, want %v %v", tc.name, s.Echo(), s.ManagesLink(), tc.echo, tc.link)
		}
	}
}
