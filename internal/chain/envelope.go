package chain

import (
	"encoding/base64"
	"fmt"
)

// Transaction envelope helpers. The wire format is
// [compact-u16 signature count][64-byte signatures...][message]. Upstream
// services (AMM swap and claim endpoints, the transfer builder here) emit
// envelopes with the fee payer's signature slot zeroed; signing fills slot 0
// and leaves the message untouched.

// SignEnvelope applies sign() to the message portion of a base64 envelope
// and splices the signature into the first slot.
func SignEnvelope(serializedTxBase64 string, sign func([]byte) []byte) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) < 2 {
		return "", fmt.Errorf("transaction too short: %d bytes", len(txBytes))
	}

	// Counts above 127 would use a second compact-u16 byte; no envelope the
	// engine handles carries that many signers.
	sigCount := int(txBytes[0])
	if sigCount > 127 {
		return "", fmt.Errorf("unsupported signature count: %d", sigCount)
	}

	if sigCount == 0 {
		message := txBytes[1:]
		signature := sign(message)

		signedTx := make([]byte, 1+64+len(message))
		signedTx[0] = 1
		copy(signedTx[1:65], signature)
		copy(signedTx[65:], message)

		return base64.StdEncoding.EncodeToString(signedTx), nil
	}

	messageOffset := 1 + sigCount*64
	if len(txBytes) <= messageOffset {
		return "", fmt.Errorf("malformed envelope: %d bytes, %d signature slots", len(txBytes), sigCount)
	}

	message := txBytes[messageOffset:]
	signature := sign(message)
	copy(txBytes[1:65], signature)

	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// EnvelopeMessage returns the message portion of a base64 envelope.
func EnvelopeMessage(serializedTxBase64 string) ([]byte, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) < 2 {
		return nil, fmt.Errorf("transaction too short: %d bytes", len(txBytes))
	}

	sigCount := int(txBytes[0])
	offset := 1 + sigCount*64
	if len(txBytes) <= offset {
		return nil, fmt.Errorf("malformed envelope: %d bytes, %d signature slots", len(txBytes), sigCount)
	}
	return txBytes[offset:], nil
}
