package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
)

func TestEmitExitCodes(t *testing.T) {
	var buf bytes.Buffer
	clean := ledger.Report{CheckedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), Wallets: 2}
	if code := emit(&buf, clean); code != 0 {
		t.Fatalf("clean report exit=%d", code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded["wallets"] != float64(2) {
		t.Fatalf("unexpected report %v", decoded)
	}

	buf.Reset()
	broken := ledger.Report{Mismatches: []ledger.Mismatch{{UserID: "u1", Balance: decimal.NewFromInt(5), EntrySum: decimal.NewFromInt(4)}}}
	if code := emit(&buf, broken); code != exitMismatch {
		t.Fatalf("mismatch report exit=%d", code)
	}
}
