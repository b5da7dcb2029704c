package signing

import (
	"strings"
	"testing"
)

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"lead_id":42,"email":"a@b.c"}`)
	s1 := Sign("secret-1", body, "1700000000")
	s2 := Sign("secret-1", body, "1700000000")
	if s1 != s2 {
		t.Errorf("Sign() not deterministic: %q != %q", s1, s2)
	}
	if !strings.HasPrefix(s1, "sha256=") {
		t.Errorf("Sign() = %q, want sha256= prefix", s1)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"order_id":"ord_1","total":1299}`)
	ts := "1700000000"
	sig := Sign("whsec_abc", body, ts)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		timestamp string
		signature string
		want      bool
	}{
		{"valid", "whsec_abc", body, ts, sig, true},
		{"valid without prefix", "whsec_abc", body, ts, strings.TrimPrefix(sig, "sha256="), true},
		{"wrong secret", "whsec_other", body, ts, sig, false},
		{"tampered timestamp", "whsec_abc", body, "1700000001", sig, false},
		{"empty signature", "whsec_abc", body, ts, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.body, tt.timestamp, tt.signature); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Any single-byte mutation of the body must break verification.
func TestVerifyRejectsMutatedBody(t *testing.T) {
	body := []byte(`{"contact_id":"c_9","stage":"won"}`)
	ts := "1712345678"
	sig := Sign("whsec_xyz", body, ts)

	for i := range body {
		mutated := make([]byte, len(body))
		copy(mutated, body)
		mutated[i] ^= 0x01
		if Verify("whsec_xyz", mutated, ts, sig) {
			t.Fatalf("Verify() accepted body mutated at byte %d", i)
		}
	}
}
