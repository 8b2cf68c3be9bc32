package account

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// Address of Anvil/Hardhat account 0.
var account0 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestNewAccountFromHex(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "bare hex", key: TestPrivateKeys[0]},
		{name: "0x prefix", key: "0x" + TestPrivateKeys[0]},
		{name: "surrounding whitespace", key: "  0x" + TestPrivateKeys[0] + "\n"},
		{name: "empty", key: "", wantErr: true},
		{name: "not hex", key: "zz", wantErr: true},
		{name: "too short", key: "0xabcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewAccountFromHex(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAccountFromHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && acc.Address != account0 {
				t.Errorf("Address = %s, want %s", acc.Address, account0)
			}
		})
	}
}

type fakeNonces struct {
	nonce uint64
	err   error
	addr  string
}

var _ NonceSource = (*fakeNonces)(nil)

func (f *fakeNonces) GetNonce(_ context.Context, address string) (uint64, error) {
	f.addr = address
	return f.nonce, f.err
}

func TestStartingNonce(t *testing.T) {
	acc, err := NewAccountFromHex(TestPrivateKeys[0])
	if err != nil {
		t.Fatal(err)
	}

	src := &fakeNonces{nonce: 17}
	got, err := acc.StartingNonce(context.Background(), src)
	if err != nil {
		t.Fatalf("StartingNonce() error: %v", err)
	}
	if got != 17 {
		t.Errorf("StartingNonce() = %d, want 17", got)
	}
	if src.addr != account0.Hex() {
		t.Errorf("queried %s, want %s", src.addr, account0.Hex())
	}

	boom := errors.New("boom")
	if _, err := acc.StartingNonce(context.Background(), &fakeNonces{err: boom}); !errors.Is(err, boom) {
		t.Errorf("StartingNonce() error = %v, want wrapped %v", err, boom)
	}
}
