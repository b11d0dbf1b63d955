package keyd

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
)

func testSolKeypair(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	return seed
}

func fakeBlockhash() string {
	return base58.Encode(make([]byte, 32))
}

func fakePubkey() string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = 2
	}
	return base58.Encode(b)
}

func TestBuildTransferBasic(t *testing.T) {
	keyBytes := testSolKeypair(t)
	params := SolTxParams{To: fakePubkey(), Lamports: 1_000_000_000, RecentBlockhash: fakeBlockhash()}

	result, err := BuildAndSignTransfer(keyBytes, params)
	if err != nil {
		t.Fatalf("build and sign: %v", err)
	}
	if result.SignedTx == "" || result.Signature == "" || result.From == "" {
		t.Fatal("expected non-empty signed tx, signature, and from fields")
	}
	if result.Lamports != 1_000_000_000 {
		t.Fatalf("expected 1e9 lamports, got %d", result.Lamports)
	}
}

func TestTransferMessageStructure(t *testing.T) {
	var from, to, blockhash [32]byte
	for i := range from {
		from[i] = 1
		to[i] = 2
		blockhash[i] = 3
	}

	msg := buildTransferMessage(from, to, 42, blockhash)

	if msg[0] != 1 || msg[1] != 0 || msg[2] != 1 {
		t.Fatalf("unexpected header: %v", msg[:3])
	}
	if msg[3] != 3 {
		t.Fatalf("expected 3 accounts, got %d", msg[3])
	}
	if string(msg[4:36]) != string(from[:]) {
		t.Fatal("from account mismatch")
	}
	if string(msg[36:68]) != string(to[:]) {
		t.Fatal("to account mismatch")
	}
	if string(msg[68:100]) != string(systemProgramID[:]) {
		t.Fatal("system program id mismatch")
	}
	if string(msg[100:132]) != string(blockhash[:]) {
		t.Fatal("recent blockhash mismatch")
	}
}

func TestSignatureVerification(t *testing.T) {
	seed := testSolKeypair(t)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	params := SolTxParams{To: fakePubkey(), Lamports: 500_000, RecentBlockhash: fakeBlockhash()}
	result, err := BuildAndSignTransfer(seed, params)
	if err != nil {
		t.Fatalf("build and sign: %v", err)
	}

	sigBytes, err := base58.Decode(result.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	txBytes, err := base58.Decode(result.SignedTx)
	if err != nil {
		t.Fatalf("decode signed tx: %v", err)
	}
	message := txBytes[65:] // 1 byte num-sigs + 64 byte signature

	if !ed25519.Verify(pub, message, sigBytes) {
		t.Fatal("expected signature to verify against message")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	shortKey := make([]byte, 16)
	params := SolTxParams{To: fakePubkey(), Lamports: 100, RecentBlockhash: fakeBlockhash()}
	if _, err := BuildAndSignTransfer(shortKey, params); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestInvalidRecipient(t *testing.T) {
	keyBytes := testSolKeypair(t)
	params := SolTxParams{To: "invalid!", Lamports: 100, RecentBlockhash: fakeBlockhash()}
	if _, err := BuildAndSignTransfer(keyBytes, params); err == nil {
		t.Fatal("expected error for invalid recipient")
	}
}
