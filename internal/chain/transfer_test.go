package chain

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/mr-tron/base58"
)

func testAddress(t *testing.T, seed byte) string {
	t.Helper()
	seedBytes := make([]byte, ed25519.SeedSize)
	seedBytes[0] = seed
	key := ed25519.NewKeyFromSeed(seedBytes)
	return base58.Encode(key.Public().(ed25519.PublicKey))
}

func testBlockhash() string {
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(i + 1)
	}
	return base58.Encode(hash)
}

func TestBuildTransferTx(t *testing.T) {
	source := testAddress(t, 1)
	dest := testAddress(t, 2)

	txBase64, err := BuildTransferTx(source, dest, 199_000_000, testBlockhash())
	if err != nil {
		t.Fatalf("BuildTransferTx failed: %v", err)
	}

	tx, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		t.Fatalf("not valid base64: %v", err)
	}

	// One zeroed signature slot.
	if tx[0] != 1 {
		t.Fatalf("expected 1 signature slot, got %d", tx[0])
	}
	for i := 1; i < 65; i++ {
		if tx[i] != 0 {
			t.Fatalf("signature slot not zeroed at byte %d", i)
		}
	}

	msg := tx[65:]

	// Header: 1 required signature, 0 readonly signed, 1 readonly unsigned.
	if msg[0] != 1 || msg[1] != 0 || msg[2] != 1 {
		t.Errorf("unexpected header %v", msg[:3])
	}

	// Three account keys: source, destination, system program.
	if msg[3] != 3 {
		t.Fatalf("expected 3 account keys, got %d", msg[3])
	}
	keys := msg[4 : 4+3*32]
	sourceKey, _ := base58.Decode(source)
	destKey, _ := base58.Decode(dest)
	for i := 0; i < 32; i++ {
		if keys[i] != sourceKey[i] {
			t.Fatal("source key mismatch")
		}
		if keys[32+i] != destKey[i] {
			t.Fatal("destination key mismatch")
		}
		if keys[64+i] != 0 {
			t.Fatal("system program key should be all zeros")
		}
	}

	// Blockhash follows the keys.
	hashStart := 4 + 3*32
	hashBytes, _ := base58.Decode(testBlockhash())
	for i := 0; i < 32; i++ {
		if msg[hashStart+i] != hashBytes[i] {
			t.Fatal("blockhash mismatch")
		}
	}

	// One instruction: program index 2, accounts [0 1], 12 data bytes.
	ins := msg[hashStart+32:]
	if ins[0] != 1 {
		t.Fatalf("expected 1 instruction, got %d", ins[0])
	}
	if ins[1] != 2 {
		t.Errorf("expected program index 2, got %d", ins[1])
	}
	if ins[2] != 2 || ins[3] != 0 || ins[4] != 1 {
		t.Errorf("unexpected account indices %v", ins[2:5])
	}
	if ins[5] != 12 {
		t.Fatalf("expected 12 data bytes, got %d", ins[5])
	}
	data := ins[6:18]
	if binary.LittleEndian.Uint32(data[0:4]) != 2 {
		t.Errorf("expected transfer tag 2, got %d", binary.LittleEndian.Uint32(data[0:4]))
	}
	if binary.LittleEndian.Uint64(data[4:12]) != 199_000_000 {
		t.Errorf("expected 199000000 lamports, got %d", binary.LittleEndian.Uint64(data[4:12]))
	}
}

func TestBuildTransferTxRejectsSelfTransfer(t *testing.T) {
	addr := testAddress(t, 3)
	if _, err := BuildTransferTx(addr, addr, 1000, testBlockhash()); err == nil {
		t.Fatal("expected error for transfer to self")
	}
}

func TestBuildTransferTxRejectsZeroLamports(t *testing.T) {
	if _, err := BuildTransferTx(testAddress(t, 1), testAddress(t, 2), 0, testBlockhash()); err == nil {
		t.Fatal("expected error for 0 lamports")
	}
}

func TestBuildTransferTxRejectsBadAddress(t *testing.T) {
	if _, err := BuildTransferTx("not-base58-0OIl", testAddress(t, 2), 1000, testBlockhash()); err == nil {
		t.Fatal("expected error for invalid source")
	}
}
