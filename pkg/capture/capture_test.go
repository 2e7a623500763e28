package capture_test

import (
	"strings"
	"testing"

	"github.com/quindar/pitchline/pkg/capture"
)

func TestStreamConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     capture.StreamConfig
		wantErr []string
	}{
		{
			name: "valid",
			cfg:  capture.StreamConfig{SampleRate: 44100, FrameSize: 1024},
		},
		{
			name:    "zero sample rate",
			cfg:     capture.StreamConfig{FrameSize: 1024},
			wantErr: []string{"sample rate"},
		},
		{
			name:    "negative frame size",
			cfg:     capture.StreamConfig{SampleRate: 44100, FrameSize: -1},
			wantErr: []string{"frame size"},
		},
		{
			name:    "both invalid reports both",
			cfg:     capture.StreamConfig{},
			wantErr: []string{"sample rate", "frame size"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() error %q does not mention %q", err, want)
				}
			}
		})
	}
}
