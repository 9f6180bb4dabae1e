package digest

import (
	"bytes"
	"strings"
	"testing"
)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestNormalizeAcceptsCanonicalDigest(t *testing.T) {
	got, err := Normalize(emptySHA256)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != emptySHA256 {
		t.Fatalf("unexpected digest: %s", got)
	}
}

func TestNormalizeLowercasesAndStripsPrefix(t *testing.T) {
	got, err := Normalize("sha256:" + strings.ToUpper(emptySHA256))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != emptySHA256 {
		t.Fatalf("unexpected digest: %s", got)
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	for _, in := range []string{
		"",
		"abc",
		emptySHA256 + "00",
		strings.Repeat("z", 64),
	} {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("expected rejection for %q", in)
		}
	}
}

func TestSumReaderHexMatchesSumHex(t *testing.T) {
	payload := []byte("rf-capture-2025-11-28")
	fromReader, err := SumReaderHex(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if fromReader != SumHex(payload) {
		t.Fatalf("reader and slice digests differ")
	}
}

func TestSumHexEmptyPayload(t *testing.T) {
	if got := SumHex(nil); got != emptySHA256 {
		t.Fatalf("unexpected empty digest: %s", got)
	}
}
