package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHash_IsZero(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero-value Hash should be zero")
	}
	if (Hash{0x01}).IsZero() {
		t.Error("non-zero Hash should not be zero")
	}
}

func TestHexToHash(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
		{name: "zeros", input: strings.Repeat("0", 64)},
		{name: "too short", input: "abcd", wantErr: true},
		{name: "not hex", input: strings.Repeat("z", 64), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := HexToHash(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToHash() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && h.String() != tt.input {
				t.Errorf("String() = %s, want %s", h.String(), tt.input)
			}
		})
	}
}

func TestTokenID_JSON(t *testing.T) {
	id := TokenID{0xaa, 0xbb}
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var got TokenID
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got != id {
		t.Errorf("got %s, want %s", got, id)
	}

	var empty TokenID
	if err := json.Unmarshal([]byte(`""`), &empty); err != nil {
		t.Fatalf("Unmarshal(empty) error: %v", err)
	}
	if !empty.IsZero() {
		t.Error("empty string should decode to zero token id")
	}
}

func TestParseAddress(t *testing.T) {
	raw := "00112233445566778899aabbccddeeff00112233"
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "raw hex", input: raw},
		{name: "prefixed", input: "0x" + raw},
		{name: "upper prefix", input: "0X" + raw},
		{name: "empty", input: "", wantErr: true},
		{name: "short", input: "0x1234", wantErr: true},
		{name: "bad hex", input: "0x" + strings.Repeat("g", 40), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && a.Hex() != raw {
				t.Errorf("Hex() = %s, want %s", a.Hex(), raw)
			}
		})
	}
}

func TestAddress_JSONRoundTrip(t *testing.T) {
	a := Address{0xab, 19: 0xcd}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.HasPrefix(string(data), `"0x`) {
		t.Errorf("Marshal() = %s, want 0x prefix", data)
	}
	var got Address
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got != a {
		t.Errorf("got %s, want %s", got, a)
	}
}
