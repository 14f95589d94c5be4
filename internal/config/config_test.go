package config

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: Config{
				BinLog:  BinLogConfig{DataDir: "/tmp/sharelogs"},
				KV:      KVConfig{Concurrency: 4},
				Bus:     BusConfig{Driver: "zmq"},
				MetaBus: BusConfig{Driver: "memory"},
				Rollup:  RollupConfig{BlockReward: 1},
			},
			wantErr: false,
		},
		{
			name: "missing data dir",
			config: Config{
				KV:      KVConfig{Concurrency: 4},
				Bus:     BusConfig{Driver: "zmq"},
				MetaBus: BusConfig{Driver: "zmq"},
			},
			wantErr: true,
			errMsg:  "binlog.data_dir is required",
		},
		{
			name: "zero kv concurrency",
			config: Config{
				BinLog:  BinLogConfig{DataDir: "/tmp/sharelogs"},
				KV:      KVConfig{Concurrency: 0},
				Bus:     BusConfig{Driver: "zmq"},
				MetaBus: BusConfig{Driver: "zmq"},
			},
			wantErr: true,
			errMsg:  "kv.concurrency must be >= 1",
		},
		{
			name: "invalid bus driver",
			config: Config{
				BinLog:  BinLogConfig{DataDir: "/tmp/sharelogs"},
				KV:      KVConfig{Concurrency: 4},
				Bus:     BusConfig{Driver: "carrier-pigeon"},
				MetaBus: BusConfig{Driver: "zmq"},
			},
			wantErr: true,
			errMsg:  "bus.driver must be zmq or memory",
		},
		{
			name: "negative block reward",
			config: Config{
				BinLog:  BinLogConfig{DataDir: "/tmp/sharelogs"},
				KV:      KVConfig{Concurrency: 4},
				Bus:     BusConfig{Driver: "zmq"},
				MetaBus: BusConfig{Driver: "zmq"},
				Rollup:  RollupConfig{BlockReward: -1},
			},
			wantErr: true,
			errMsg:  "rollup.block_reward must be >= 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() expected error %q, got nil", tt.errMsg)
				}
				if err.Error() != tt.errMsg {
					t.Fatalf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BinLog.DataDir != "./sharelogs" {
		t.Errorf("BinLog.DataDir = %q, want ./sharelogs", cfg.BinLog.DataDir)
	}
	if cfg.KV.Concurrency != 4 {
		t.Errorf("KV.Concurrency = %d, want 4", cfg.KV.Concurrency)
	}
	if cfg.Bus.Driver != "zmq" {
		t.Errorf("Bus.Driver = %q, want zmq", cfg.Bus.Driver)
	}
}
