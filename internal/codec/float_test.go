package codec

import (
	"encoding/json"
	"math"
	"testing"
)

func TestFloatsEncodeNonFinite(t *testing.T) {
	data, err := json.Marshal(Floats{1.5, math.NaN(), math.Inf(1), math.Inf(-1), 0})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `[1.5,"NaN","Infinity","-Infinity",0]`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestFloatsDecodeNonFinite(t *testing.T) {
	var fs Floats
	if err := json.Unmarshal([]byte(`[2, "NaN", "Infinity", "-Infinity"]`), &fs); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if len(fs) != 4 {
		t.Fatalf("expected 4 values, got %d", len(fs))
	}
	if fs[0] != 2 {
		t.Errorf("fs[0] = %v, want 2", fs[0])
	}
	if !math.IsNaN(fs[1]) {
		t.Errorf("fs[1] = %v, want NaN", fs[1])
	}
	if !math.IsInf(fs[2], 1) || !math.IsInf(fs[3], -1) {
		t.Errorf("infinities not restored: %v %v", fs[2], fs[3])
	}
}

func TestFloatsRejectUnknownToken(t *testing.T) {
	var fs Floats
	if err := json.Unmarshal([]byte(`["inf"]`), &fs); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestFloatsNull(t *testing.T) {
	data, err := json.Marshal(struct {
		V Floats `json:"v"`
	}{})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"v":null}` {
		t.Errorf("got %s", data)
	}
}

func TestMatrixNested(t *testing.T) {
	m := Matrix{{1, math.NaN()}, {math.Inf(1), 4}}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `[[1,"NaN"],["Infinity",4]]` {
		t.Errorf("got %s", data)
	}

	var back Matrix
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(back) != 2 || !math.IsNaN(back[0][1]) || !math.IsInf(back[1][0], 1) || back[1][1] != 4 {
		t.Errorf("matrix not restored: %v", back)
	}
}

func TestFloatScalar(t *testing.T) {
	var f Float
	if err := json.Unmarshal([]byte(`"NaN"`), &f); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !math.IsNaN(float64(f)) {
		t.Errorf("expected NaN, got %v", f)
	}
	data, _ := json.Marshal(Float(0.25))
	if string(data) != "0.25" {
		t.Errorf("got %s", data)
	}
}
