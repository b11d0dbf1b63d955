package keyd

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// systemProgramID is the Solana System Program address (all zero bytes).
var systemProgramID = [32]byte{}

const transferInstructionIndex uint32 = 2

// SolTxParams are the fields needed to build a Solana legacy transfer
// transaction.
type SolTxParams struct {
	To              string // base58-encoded recipient pubkey
	Lamports        uint64
	RecentBlockhash string // base58-encoded, caller-supplied
}

// SolTxResult is the base58-encoded signed transaction ready for the
// sendTransaction RPC.
type SolTxResult struct {
	SignedTx  string
	Signature string
	From      string
	To        string
	Lamports  uint64
}

// BuildAndSignTransfer builds a raw System Program transfer instruction in
// Solana's legacy message format and signs it with the wallet's Ed25519 key.
func BuildAndSignTransfer(keyBytes []byte, params SolTxParams) (SolTxResult, error) {
	if len(keyBytes) < 32 {
		return SolTxResult{}, fmt.Errorf("invalid sol key: expected 32 bytes, got %d", len(keyBytes))
	}

	priv := ed25519.NewKeyFromSeed(keyBytes[:32])
	fromPub := priv.Public().(ed25519.PublicKey)

	toBytes, err := base58.Decode(params.To)
	if err != nil {
		return SolTxResult{}, fmt.Errorf("invalid recipient address (must be base58): %w", err)
	}
	if len(toBytes) != 32 {
		return SolTxResult{}, fmt.Errorf("recipient pubkey must be 32 bytes, got %d", len(toBytes))
	}

	blockhashBytes, err := base58.Decode(params.RecentBlockhash)
	if err != nil {
		return SolTxResult{}, fmt.Errorf("invalid recent_blockhash (must be base58): %w", err)
	}
	if len(blockhashBytes) != 32 {
		return SolTxResult{}, fmt.Errorf("recent_blockhash must be 32 bytes, got %d", len(blockhashBytes))
	}

	var to, blockhash [32]byte
	copy(to[:], toBytes)
	copy(blockhash[:], blockhashBytes)
	var from [32]byte
	copy(from[:], fromPub)

	message := buildTransferMessage(from, to, params.Lamports, blockhash)
	sig := ed25519.Sign(priv, message)

	// [compact-u16: num_signatures][signature(s)][message]
	tx := make([]byte, 0, 1+len(sig)+len(message))
	tx = append(tx, 1)
	tx = append(tx, sig...)
	tx = append(tx, message...)

	return SolTxResult{
		SignedTx:  base58.Encode(tx),
		Signature: base58.Encode(sig),
		From:      base58.Encode(fromPub),
		To:        params.To,
		Lamports:  params.Lamports,
	}, nil
}

// buildTransferMessage builds a Solana legacy transaction message for a
// System Program transfer:
//   - header: [num_required_signatures, num_readonly_signed, num_readonly_unsigned]
//   - account_keys: [from, to, system_program]
//   - recent_blockhash: [32 bytes]
//   - instructions: [compact-u16 count, instruction...]
func buildTransferMessage(from, to [32]byte, lamports uint64, recentBlockhash [32]byte) []byte {
	msg := make([]byte, 0, 164)

	msg = append(msg, 1, 0, 1) // header
	msg = append(msg, 3)       // num accounts (compact-u16 fits in 1 byte here)
	msg = append(msg, from[:]...)
	msg = append(msg, to[:]...)
	msg = append(msg, systemProgramID[:]...)
	msg = append(msg, recentBlockhash[:]...)

	msg = append(msg, 1) // 1 instruction
	msg = append(msg, 2) // program_id_index (system program, 3rd account)
	msg = append(msg, 2) // 2 accounts referenced
	msg = append(msg, 0) // from (index 0)
	msg = append(msg, 1) // to (index 1)

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], transferInstructionIndex)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	msg = append(msg, byte(len(data)))
	msg = append(msg, data...)

	return msg
}
