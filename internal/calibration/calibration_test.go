package calibration

import "testing"

func approxEqual(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

func TestApply(t *testing.T) {
	in := []float64{-1.0, 0.0, 1.0}
	want := []float64{-1.7, -0.2, 1.3}
	got := Apply(in, 1.5, -0.2)
	if len(got) != len(want) {
		t.Fatalf("Apply returned %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if !approxEqual(got[i], want[i], 1e-9) {
			t.Errorf("Apply(%v)[%d] = %v, want %v", in, i, got[i], want[i])
		}
	}
}

func TestApplyEmpty(t *testing.T) {
	if got := Apply(nil, 2, 3); got != nil {
		t.Errorf("Apply(nil) = %v, want nil", got)
	}
	if got := Apply([]float64{}, 2, 3); len(got) != 0 {
		t.Errorf("Apply([]) = %v, want empty", got)
	}
}

func TestLinearApply(t *testing.T) {
	l := Linear{Gain: 2, Offset: 1}
	got := l.Apply([]float64{0, 1, 2})
	want := []float64{1, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Linear.Apply()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
