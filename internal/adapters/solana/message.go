package solana

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var errTokenUnsupported = errors.New("only native SOL is supported")

// systemProgramID is the all-zero System Program address.
var systemProgramID [32]byte

const systemTransferInstruction = 2

func decodePubkey(addr string) ([32]byte, error) {
	var key [32]byte
	raw, err := base58.Decode(addr)
	if err != nil {
		return key, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("invalid address length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// appendCompactU16 writes the shortvec length encoding.
func appendCompactU16(buf []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// transferMessage serializes a legacy message holding one System Program
// transfer from -> to, with from as the only signer and fee payer.
func transferMessage(from, to string, amount uint64, blockhash [32]byte) ([]byte, error) {
	fromKey, err := decodePubkey(from)
	if err != nil {
		return nil, err
	}
	toKey, err := decodePubkey(to)
	if err != nil {
		return nil, err
	}

	msg := []byte{1, 0, 1} // signatures, readonly signed, readonly unsigned
	msg = appendCompactU16(msg, 3)
	msg = append(msg, fromKey[:]...)
	msg = append(msg, toKey[:]...)
	msg = append(msg, systemProgramID[:]...)
	msg = append(msg, blockhash[:]...)

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], amount)

	msg = appendCompactU16(msg, 1)
	msg = append(msg, 2) // program id index
	msg = appendCompactU16(msg, 2)
	msg = append(msg, 0, 1)
	msg = appendCompactU16(msg, len(data))
	msg = append(msg, data...)
	return msg, nil
}

// signTransaction returns the wire transaction and its base58 signature.
func signTransaction(msg []byte, priv ed25519.PrivateKey) ([]byte, string) {
	sig := ed25519.Sign(priv, msg)
	tx := appendCompactU16(nil, 1)
	tx = append(tx, sig...)
	tx = append(tx, msg...)
	return tx, base58.Encode(sig)
}
