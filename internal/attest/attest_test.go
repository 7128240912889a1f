package attest

import "testing"

func TestNew_SHA256(t *testing.T) {
	d, err := New("sha256")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := d.Sum([]byte("abc")); got != want {
		t.Errorf("Sum = %s, want %s", got, want)
	}
}

func TestNew_DefaultsToSHA256(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d256, _ := New("sha256")
	if d.Sum([]byte("x")) != d256.Sum([]byte("x")) {
		t.Errorf("empty algorithm should default to sha256")
	}
}

func TestNew_SHA512(t *testing.T) {
	d, err := New("sha512")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Sum([]byte("abc"))) != 128 {
		t.Errorf("sha512 hex digest should be 128 chars")
	}
}

func TestNew_UnsupportedAlgorithm(t *testing.T) {
	if _, err := New("md5"); err == nil {
		t.Fatalf("expected error for unsupported algorithm")
	}
}
