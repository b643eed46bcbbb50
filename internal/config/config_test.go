package config

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	c := New("eth0")

	if c.Interface != "eth0" {
		t.Errorf("Interface = %q, want eth0", c.Interface)
	}
	if c.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", c.Port, DefaultPort)
	}
	if c.MaxQueues != DefaultMaxQueues {
		t.Errorf("MaxQueues = %d, want %d", c.MaxQueues, DefaultMaxQueues)
	}
	if c.Backlog != DefaultBacklog {
		t.Errorf("Backlog = %d, want %d", c.Backlog, DefaultBacklog)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New("eth0",
		WithPort(9090),
		WithMaxQueues(8),
		WithBacklog(32),
		WithBuffers(1024, 2048),
		WithBatchSize(64),
		WithXDPObject("/opt/redirect.o"),
		WithLocalIP("192.168.1.1"),
	)

	if c.Port != 9090 {
		t.Errorf("Port = %d, want 9090", c.Port)
	}
	if c.MaxQueues != 8 {
		t.Errorf("MaxQueues = %d, want 8", c.MaxQueues)
	}
	if c.Backlog != 32 {
		t.Errorf("Backlog = %d, want 32", c.Backlog)
	}
	if c.RxBufSize != 1024 || c.TxBufSize != 2048 {
		t.Errorf("buffers = (%d, %d), want (1024, 2048)", c.RxBufSize, c.TxBufSize)
	}
	if c.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want 64", c.BatchSize)
	}
	if c.XDPObjPath != "/opt/redirect.o" {
		t.Errorf("XDPObjPath = %q, want /opt/redirect.o", c.XDPObjPath)
	}
	if c.LocalIP != "192.168.1.1" {
		t.Errorf("LocalIP = %q, want 192.168.1.1", c.LocalIP)
	}
}

func TestValidateRejectsMissingInterface(t *testing.T) {
	c := New("")
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want error for empty interface")
	}
}

func TestValidateRejectsNonPositiveFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero port", New("eth0", WithPort(0))},
		{"zero backlog", New("eth0", WithBacklog(0))},
		{"negative backlog", New("eth0", WithBacklog(-1))},
		{"zero max queues", New("eth0", WithMaxQueues(0))},
		{"zero batch size", New("eth0", WithBatchSize(0))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := New("eth0")
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
