package dataset

import (
	"strings"
	"testing"
)

const sample = `a,b,TARGET
1,2,0
3,4,1
5,6,0
7,8,1
9,10,0
11,12,1
`

func mustParse(t *testing.T, data string) *Frame {
	t.Helper()
	f, err := ParseCSV([]byte(data))
	if err != nil {
		t.Fatalf("ParseCSV() err=%v", err)
	}
	return f
}

func TestSplitIsDeterministicAndComplete(t *testing.T) {
	f := mustParse(t, sample)
	seed := SeedFor("5b9e7c1e-1d2f-4c3a-9c7e-0a1b2c3d4e5f")

	train, test, err := f.Split(0.33, seed)
	if err != nil {
		t.Fatalf("Split() err=%v", err)
	}
	if test.Len() != 2 || train.Len() != 4 {
		t.Fatalf("split sizes train=%d test=%d, want 4/2", train.Len(), test.Len())
	}

	train2, test2, err := f.Split(0.33, seed)
	if err != nil {
		t.Fatalf("Split() err=%v", err)
	}
	a, _ := train.Bytes()
	b, _ := train2.Bytes()
	if string(a) != string(b) {
		t.Fatalf("train split differs between identical seeds")
	}
	a, _ = test.Bytes()
	b, _ = test2.Bytes()
	if string(a) != string(b) {
		t.Fatalf("test split differs between identical seeds")
	}

	seen := map[string]int{}
	for _, row := range append(append([][]string{}, train.Rows...), test.Rows...) {
		seen[strings.Join(row, ",")]++
	}
	if len(seen) != f.Len() {
		t.Fatalf("split lost or duplicated rows: %v", seen)
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	f := mustParse(t, sample)
	for _, ratio := range []float64{0, 1, -0.2, 1.5} {
		if _, _, err := f.Split(ratio, 1); err == nil {
			t.Fatalf("Split(%v) expected error", ratio)
		}
	}
	tiny := mustParse(t, "a,TARGET\n1,0\n")
	if _, _, err := tiny.Split(0.33, 1); err == nil {
		t.Fatalf("Split() of one row expected error")
	}
}

func TestFeatures(t *testing.T) {
	f := mustParse(t, sample)
	X, y, err := f.Features("TARGET")
	if err != nil {
		t.Fatalf("Features() err=%v", err)
	}
	if len(X) != 6 || len(X[0]) != 2 || X[1][1] != 4 {
		t.Fatalf("X=%v", X)
	}
	if y[1] != 1 || y[2] != 0 {
		t.Fatalf("y=%v", y)
	}

	if _, _, err := f.Features("label"); err == nil {
		t.Fatalf("expected missing target error")
	}
	bad := mustParse(t, "a,TARGET\nx,1\n")
	if _, _, err := bad.Features("TARGET"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMatrixAndAppendColumn(t *testing.T) {
	f := mustParse(t, "a,b\n1,2.5\n3,4\n")
	m, err := f.Matrix()
	if err != nil {
		t.Fatalf("Matrix() err=%v", err)
	}
	if len(m) != 2 || m[0][1] != 2.5 {
		t.Fatalf("Matrix()=%v", m)
	}

	if err := f.AppendColumn("predicted", []string{"1"}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if err := f.AppendColumn("predicted", []string{FormatNumber(1), FormatNumber(0.5)}); err != nil {
		t.Fatalf("AppendColumn() err=%v", err)
	}
	out, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes() err=%v", err)
	}
	if string(out) != "a,b,predicted\n1,2.5,1\n3,4,0.5\n" {
		t.Fatalf("Bytes()=%q", out)
	}
}
