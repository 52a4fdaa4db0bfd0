package kworker

import (
	"errors"
	"testing"
	"time"
)

func TestParseBrokerAddr(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected hostport
	}{
		{
			"IPv4",
			"127.0.0.1:1234",
			hostport{"127.0.0.1", 1234},
		},
		{
			"IPv4 + default port",
			"127.0.0.1",
			hostport{"127.0.0.1", 9092},
		},
		{
			"host",
			"localhost:1234",
			hostport{"localhost", 1234},
		},
		{
			"host + default port",
			"localhost",
			hostport{"localhost", 9092},
		},
		{
			"IPv6",
			"[2001:1000:2000::1]:1234",
			hostport{"2001:1000:2000::1", 1234},
		},
		{
			"IPv6 + default port",
			"[2001:1000:2000::1]",
			hostport{"2001:1000:2000::1", 9092},
		},
		{
			"IPv6 literal",
			"::1",
			hostport{"::1", 9092},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := parseBrokerAddr(test.addr)
			if err != nil {
				t.Fatal(err)
			}
			if result != test.expected {
				t.Fatalf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestParseBrokerAddrErrors(t *testing.T) {
	tests := []struct {
		name string
		addr string
	}{
		{
			"IPv4 invalid port",
			"127.0.0.1:foo",
		},
		{
			"host invalid port",
			"localhost:foo",
		},
		{
			"IPv6 invalid port",
			"[2001:1000:2000::1]:foo",
		},
		{
			"IPv6 missing closing bracket",
			"[2001:1000:2000::1:1234",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := parseBrokerAddr(test.addr)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Opt
		wantErr error
		ok      bool
	}{
		{"defaults", nil, nil, true},
		{"empty group", []Opt{ConsumerGroup("")}, ErrInvalidConsumerGroup, false},
		{"disabled group", []Opt{DisableConsumerGroup()}, nil, true},
		{"group after disable", []Opt{DisableConsumerGroup(), ConsumerGroup("g")}, nil, true},
		{"no seeds", []Opt{SeedBrokers()}, nil, false},
		{"bad seed", []Opt{SeedBrokers("localhost:foo")}, nil, false},
		{"zero metadata interval", []Opt{MetadataUpdateInterval(0)}, nil, false},
		{"negative group interval", []Opt{ConsumerGroupUpdateInterval(-time.Second)}, nil, false},
		{"zero attempts", []Opt{CoordinatorRetries(0, time.Millisecond)}, nil, false},
		{"min over max bytes", []Opt{FetchMinBytes(10), FetchMaxBytes(5)}, nil, false},
		{"fetch over max read bytes", []Opt{FetchMaxBytes(2 << 20), BrokerMaxReadBytes(1 << 20)}, nil, false},
		{"fetch at max read bytes", []Opt{FetchMaxBytes(1 << 20), BrokerMaxReadBytes(1 << 20)}, nil, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := defaultCfg()
			for _, opt := range test.opts {
				opt.apply(&cfg)
			}
			err := cfg.validate()
			if test.ok != (err == nil) {
				t.Fatalf("got err %v, want ok? %v", err, test.ok)
			}
			if test.wantErr != nil && !errors.Is(err, test.wantErr) {
				t.Fatalf("got err %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestGroupEnabled(t *testing.T) {
	for _, test := range []struct {
		name string
		opts []Opt
		want bool
	}{
		{"default", nil, true},
		{"disabled", []Opt{DisableConsumerGroup()}, false},
		{"offset capabilities", []Opt{WithCapabilities(OffsetCapabilities())}, false},
		{"legacy capabilities", []Opt{WithCapabilities(LegacyCapabilities())}, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := defaultCfg()
			for _, opt := range test.opts {
				opt.apply(&cfg)
			}
			if got := cfg.groupEnabled(); got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
		})
	}
}
