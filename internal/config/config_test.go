package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default backend implementation is mem",
			check:  func(c *Config) bool { return c.BackendImplementation == "mem" },
			expect: "mem",
		},
		{
			name:   "default tolerance is 50ms",
			check:  func(c *Config) bool { return c.ToleranceMicros == 50000 },
			expect: "50000",
		},
		{
			name:   "default metrics enabled",
			check:  func(c *Config) bool { return c.MetricsEnabled },
			expect: "true",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
