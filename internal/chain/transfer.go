package chain

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// transferInstructionTag is the system program's Transfer instruction index.
const transferInstructionTag = uint32(2)

// BuildTransferTx builds an unsigned legacy system-program transfer as a
// base64 envelope with one zeroed signature slot. The source wallet is the
// fee payer; the caller provides a fresh blockhash and hands the envelope to
// the custody service or a local wallet for signing.
func BuildTransferTx(source, destination string, lamports uint64, blockhash string) (string, error) {
	if lamports == 0 {
		return "", fmt.Errorf("transfer of 0 lamports")
	}
	if source == destination {
		return "", fmt.Errorf("transfer to self: %s", source)
	}

	sourceKey, err := base58.Decode(source)
	if err != nil || len(sourceKey) != 32 {
		return "", fmt.Errorf("invalid source address %q", source)
	}
	destKey, err := base58.Decode(destination)
	if err != nil || len(destKey) != 32 {
		return "", fmt.Errorf("invalid destination address %q", destination)
	}
	programKey, _ := base58.Decode(SystemProgramID)
	hashBytes, err := base58.Decode(blockhash)
	if err != nil || len(hashBytes) != 32 {
		return "", fmt.Errorf("invalid blockhash %q", blockhash)
	}

	// Instruction data: u32 tag, u64 lamports, little endian.
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], transferInstructionTag)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	var msg []byte

	// Header: 1 required signature, 0 readonly signed, 1 readonly unsigned.
	msg = append(msg, 1, 0, 1)

	// Account keys: source (signer, writable), destination (writable), program.
	msg = appendCompactU16(msg, 3)
	msg = append(msg, sourceKey...)
	msg = append(msg, destKey...)
	msg = append(msg, programKey...)

	msg = append(msg, hashBytes...)

	// One instruction: program index 2, accounts [0, 1].
	msg = appendCompactU16(msg, 1)
	msg = append(msg, 2)
	msg = appendCompactU16(msg, 2)
	msg = append(msg, 0, 1)
	msg = appendCompactU16(msg, uint16(len(data)))
	msg = append(msg, data...)

	// Envelope: one empty signature slot for the source wallet.
	tx := make([]byte, 0, 1+64+len(msg))
	tx = appendCompactU16(tx, 1)
	tx = append(tx, make([]byte, 64)...)
	tx = append(tx, msg...)

	return base64.StdEncoding.EncodeToString(tx), nil
}

func appendCompactU16(b []byte, v uint16) []byte {
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}
