package checksum

import "testing"

func TestSum(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Sum([]byte("abc")); got != want {
		t.Errorf("Sum = %s, want %s", got, want)
	}
}

func TestSumFields_Boundaries(t *testing.T) {
	if SumFields("ab", "c") == SumFields("a", "bc") {
		t.Error("field boundaries must change the digest")
	}
	if SumFields("x") != Sum([]byte("x")) {
		t.Error("single field should equal Sum")
	}
}
