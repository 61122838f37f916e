package wallet

import (
	"encoding/json"
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		input   string
		want    Money
		wantErr bool
	}{
		{"100", 10000, false},
		{"100.5", 10050, false},
		{"100.50", 10050, false},
		{"0.01", 1, false},
		{"0", 0, false},
		{"-3.07", -307, false},
		{"+12.00", 1200, false},
		{"", 0, true},
		{".", 0, true},
		{".5", 0, true},
		{"100.", 0, true},
		{"100.123", 0, true},
		{"1e2", 0, true},
		{"abc", 0, true},
		{"10.-5", 0, true},
		{"92233720368547759", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseMoney(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMoney(%q): expected error, got %v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMoney(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMoney(%q): expected %d, got %d", tt.input, tt.want, got)
		}
	}
}

func TestMoneyString(t *testing.T) {
	tests := []struct {
		value Money
		want  string
	}{
		{10000, "100.00"},
		{10050, "100.50"},
		{1, "0.01"},
		{0, "0.00"},
		{-307, "-3.07"},
		{-5, "-0.05"},
	}

	for _, tt := range tests {
		if got := tt.value.String(); got != tt.want {
			t.Errorf("Money(%d).String(): expected %q, got %q", tt.value, tt.want, got)
		}
	}
}

func TestMoneyJSONRoundTrip(t *testing.T) {
	type doc struct {
		Amount Money `json:"amount"`
	}

	data, err := json.Marshal(doc{Amount: 12345})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"amount":123.45}` {
		t.Errorf("Expected {\"amount\":123.45}, got %s", data)
	}

	var out doc
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Amount != 12345 {
		t.Errorf("Expected 12345 minor units after round trip, got %d", out.Amount)
	}
}

func TestMoneyUnmarshalRejectsSubCent(t *testing.T) {
	var m Money
	if err := json.Unmarshal([]byte(`10.999`), &m); err == nil {
		t.Error("Expected error unmarshalling three decimal places, got nil")
	}
	if err := json.Unmarshal([]byte(`null`), &m); err == nil {
		t.Error("Expected error unmarshalling null, got nil")
	}
}

func TestMoneyUnmarshalAcceptsIntegerAndString(t *testing.T) {
	var m Money
	if err := json.Unmarshal([]byte(`50`), &m); err != nil {
		t.Fatalf("Unmarshal integer failed: %v", err)
	}
	if m != 5000 {
		t.Errorf("Expected 5000 minor units, got %d", m)
	}

	if err := json.Unmarshal([]byte(`"7.25"`), &m); err != nil {
		t.Fatalf("Unmarshal quoted string failed: %v", err)
	}
	if m != 725 {
		t.Errorf("Expected 725 minor units, got %d", m)
	}
}
