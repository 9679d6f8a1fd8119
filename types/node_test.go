package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeHealthLoadScore(t *testing.T) {
	tests := []struct {
		name   string
		health NodeHealth
		want   float64
	}{
		{
			name:   "idle node",
			health: NodeHealth{CPUPct: 0, MemPct: 0, ActiveTaskCount: 0},
			want:   0,
		},
		{
			name:   "fully loaded node",
			health: NodeHealth{CPUPct: 100, MemPct: 100, ActiveTaskCount: 10},
			want:   1.0,
		},
		{
			name:   "active count saturates at 10",
			health: NodeHealth{CPUPct: 0, MemPct: 0, ActiveTaskCount: 50},
			want:   0.3,
		},
		{
			name:   "mixed load",
			health: NodeHealth{CPUPct: 50, MemPct: 40, ActiveTaskCount: 5},
			want:   0.4*0.5 + 0.3*0.4 + 0.3*0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.health.LoadScore(), 1e-9)
		})
	}
}
