package training

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/trainloop/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 3", 4)

	for i := 1; i <= 4; i++ {
		pb.Update(i, map[string]float64{
			"loss":     1.0 - float64(i)*0.1,
			"accuracy": float64(i) * 0.2,
		})
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Epoch 3: 100%") {
		t.Errorf("expected completed bar in output, got %q", out)
	}
	if !strings.Contains(out, "4/4") {
		t.Errorf("expected step counter 4/4 in output, got %q", out)
	}
	if !strings.Contains(out, "accuracy=80.00%") {
		t.Errorf("expected accuracy rendered as percentage, got %q", out)
	}
	if !strings.Contains(out, "loss=0.600") {
		t.Errorf("expected loss in output, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Finish should terminate the line")
	}
}

func TestProgressBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Empty", 0)
	pb.Finish()
	if !strings.Contains(buf.String(), "Empty: 100%") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrintArchitecture(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	fc1, err := layers.NewDense("fc1", 16, 8, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	fc2, err := layers.NewDense("fc2", 8, 3, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	model := layers.NewNamedSequential("TestMLP", fc1, layers.NewReLU("relu"), fc2)

	var buf bytes.Buffer
	printArchitecture(&buf, model)

	out := buf.String()
	// 16*8 + 8 + 8*3 + 3
	if !strings.Contains(out, "Total parameters: 163") {
		t.Errorf("expected parameter count in output, got %q", out)
	}
	if !strings.Contains(out, "Linear(in_features=16, out_features=8, bias=true)") {
		t.Errorf("expected layer description in output, got %q", out)
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int
		expected string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2500000, "2.5M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.expected {
			t.Errorf("formatParameterCount(%d) = %q, want %q", tt.count, got, tt.expected)
		}
	}
}
