package schedule

import (
	"math"
	"testing"
)

func near(a, b float64) bool { return math.Abs(a-b) <= 1e-12*math.Max(1, math.Abs(b)) }

func TestConstant(t *testing.T) {
	s, err := New(Config{Kind: KindConstant, BaseLR: 0.01})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, step := range []int64{0, 1, 1000} {
		if lr := s.LR(step); lr != 0.01 {
			t.Errorf("step %d: expected 0.01, got %g", step, lr)
		}
	}
}

func TestPoly(t *testing.T) {
	s, err := New(Config{Kind: KindPoly, BaseLR: 1, EndLR: 0.1, TotalSteps: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		step int64
		want float64
	}{
		{0, 1},
		{50, 0.9*math.Pow(0.5, 0.9) + 0.1},
		{100, 0.1},
		{150, 0.1},
	}
	for _, tt := range tests {
		if lr := s.LR(tt.step); !near(lr, tt.want) {
			t.Errorf("step %d: expected %g, got %g", tt.step, tt.want, lr)
		}
	}
}

func TestPolyDefaultEnd(t *testing.T) {
	s, err := New(Config{Kind: KindPoly, BaseLR: 1e-4, TotalSteps: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if lr := s.LR(10); !near(lr, 1e-5) {
		t.Errorf("expected end rate 1e-5, got %g", lr)
	}
}

func TestOneCycle(t *testing.T) {
	s := NewOneCycle(0.01, 100)
	initial := 0.01 / 25
	final := initial / 1e4

	tests := []struct {
		step int64
		want float64
	}{
		{0, initial},
		{29, 0.01},
		{64, (0.01 + final) / 2},
		{99, final},
		{500, final},
	}
	for _, tt := range tests {
		if lr := s.LR(tt.step); !near(lr, tt.want) {
			t.Errorf("step %d: expected %g, got %g", tt.step, tt.want, lr)
		}
	}

	prev := s.LR(0)
	for step := int64(1); step <= 29; step++ {
		lr := s.LR(step)
		if lr < prev {
			t.Fatalf("warm-up not increasing at step %d: %g < %g", step, lr, prev)
		}
		prev = lr
	}
}

func TestPlateau(t *testing.T) {
	s, err := New(Config{Kind: KindPlateau, BaseLR: 0.1, Patience: 2, Threshold: 0.01})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, ok := s.(MetricObserver)
	if !ok {
		t.Fatal("plateau schedule must observe metrics")
	}

	steps := []struct {
		loss    float64
		reduced bool
		lr      float64
	}{
		{1.0, false, 0.1},
		{0.995, false, 0.1}, // within threshold: bad
		{0.995, false, 0.1},
		{0.995, true, 0.01},
		{0.5, false, 0.01},
		{math.NaN(), false, 0.01},
	}
	for i, st := range steps {
		if got := p.Observe(st.loss); got != st.reduced {
			t.Errorf("observation %d: expected reduced=%v, got %v", i, st.reduced, got)
		}
		if lr := s.LR(0); !near(lr, st.lr) {
			t.Errorf("observation %d: expected lr %g, got %g", i, st.lr, lr)
		}
	}
}

func TestPlateauMinLR(t *testing.T) {
	p := NewPlateau(1e-3, 0, 1e-4)
	p.MinLR = 5e-4
	p.Observe(1)
	if !p.Observe(1) {
		t.Fatal("expected a reduction")
	}
	if lr := p.LR(0); lr != 5e-4 {
		t.Errorf("expected rate clamped to 5e-4, got %g", lr)
	}
	if p.Observe(1) {
		t.Error("expected no reduction below the floor")
	}
}

func TestNewErrors(t *testing.T) {
	bad := []Config{
		{Kind: KindConstant, BaseLR: 0},
		{Kind: KindPoly, BaseLR: 1e-4},
		{Kind: KindCycle, BaseLR: 1e-4},
		{Kind: "step", BaseLR: 1e-4},
		{Kind: KindConstant, BaseLR: math.NaN()},
	}
	for _, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}
