package extension

import (
	"testing"
	"time"

	"github.com/xraph/metering"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{SweepInterval: 10 * time.Second})

	if cfg.SweepInterval != 10*time.Second {
		t.Errorf("SweepInterval = %s, want 10s", cfg.SweepInterval)
	}
	if cfg.StalenessWindow != metering.DefaultStalenessWindow {
		t.Errorf("StalenessWindow = %s", cfg.StalenessWindow)
	}
	if cfg.OverdraftPolicy != "floor" {
		t.Errorf("OverdraftPolicy = %q", cfg.OverdraftPolicy)
	}
	if cfg.Retry != metering.DefaultRetryPolicy() {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{StalenessWindow: 2 * time.Minute, OverdraftPolicy: "reject"}
	prog := Config{
		StalenessWindow:     time.Hour,
		OverdraftPolicy:     "floor",
		Thresholds:          []float64{50},
		DisableAutoRegister: true,
	}

	cfg := mergeConfigurations(yaml, prog)

	if cfg.StalenessWindow != 2*time.Minute {
		t.Errorf("StalenessWindow = %s, file value should win", cfg.StalenessWindow)
	}
	if cfg.OverdraftPolicy != "reject" {
		t.Errorf("OverdraftPolicy = %q, file value should win", cfg.OverdraftPolicy)
	}
	if len(cfg.Thresholds) != 1 || cfg.Thresholds[0] != 50 {
		t.Errorf("Thresholds = %v, programmatic value should fill the gap", cfg.Thresholds)
	}
	if !cfg.DisableAutoRegister {
		t.Error("programmatic bool flag should override")
	}
	if cfg.SweepInterval != metering.DefaultSweepInterval {
		t.Errorf("SweepInterval = %s, want default", cfg.SweepInterval)
	}
}

func TestBuildEngineOpts(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"reject policy", Config{OverdraftPolicy: "reject"}, false},
		{"custom thresholds", Config{Thresholds: []float64{50, 75}}, false},
		{"unknown policy", Config{OverdraftPolicy: "overdraw"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := buildEngineOpts(mergeWithDefaults(tt.cfg), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(opts) == 0 {
				t.Error("expected engine options")
			}
		})
	}
}

func TestBuildEngineOptsThresholdsReachEngine(t *testing.T) {
	opts, err := buildEngineOpts(mergeWithDefaults(Config{Thresholds: []float64{50, 75}}), nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := metering.New(nil, opts...)

	got := eng.Alerter().Thresholds()
	if len(got) != 2 || got[0].Tag != "50%" || got[1].Tag != "75%" {
		t.Errorf("thresholds = %+v", got)
	}
}
