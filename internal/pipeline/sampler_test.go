package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleIndices(t *testing.T) {
	tests := []struct {
		name string
		ts   []float64
		m    int
		want []int
	}{
		{
			name: "empty batch",
			ts:   nil,
			m:    3,
			want: nil,
		},
		{
			name: "zero picks",
			ts:   []float64{0, 1},
			m:    0,
			want: nil,
		},
		{
			name: "single pick takes first frame",
			ts:   []float64{0, 0.5, 1.0},
			m:    1,
			want: []int{0},
		},
		{
			name: "endpoints always included",
			ts:   []float64{0, 1, 2, 3, 4},
			m:    2,
			want: []int{0, 4},
		},
		{
			name: "even spacing over uniform timestamps",
			ts:   []float64{0, 1, 2, 3, 4},
			m:    3,
			want: []int{0, 2, 4},
		},
		{
			name: "tie breaks toward earlier frame",
			// Grid target 1.5 is equidistant from 1.0 and 2.0.
			ts:   []float64{0, 1, 2, 3},
			m:    3,
			want: []int{0, 1, 3},
		},
		{
			name: "uneven timestamps pick nearest",
			// Grid target 1.5: frame 0.2 (dist 1.3) beats 2.9 (dist 1.4).
			ts:   []float64{0, 0.1, 0.2, 2.9, 3.0},
			m:    3,
			want: []int{0, 2, 4},
		},
		{
			name: "more picks than frames duplicates",
			ts:   []float64{0, 1},
			m:    4,
			want: []int{0, 0, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampleIndices(tt.ts, tt.m))
		})
	}
}
