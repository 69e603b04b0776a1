package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// AES Key Wrap with Padding (RFC 5649).

const (
	kwpSemiblock = 8
	// kwpMaxInput bounds the plaintext to what the 32-bit message length indicator can describe.
	kwpMaxInput = 1<<32 - 1
)

var kwpICV2 = [4]byte{0xA6, 0x59, 0x59, 0xA6}

var (
	errKWPEmpty       = errors.New("kwp: plaintext is empty")
	errKWPTooLarge    = errors.New("kwp: plaintext too large")
	errKWPCiphertext  = errors.New("kwp: ciphertext length must be a multiple of 8 and at least 16 bytes")
	errKWPIntegrity   = errors.New("kwp: integrity check failed")
	errKWPInvalidSize = errors.New("kwp: invalid AES key size")
)

// WrapWithPadding wraps plaintext under kek following RFC 5649.
func WrapWithPadding(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errKWPEmpty
	}
	if uint64(len(plaintext)) > kwpMaxInput {
		return nil, errKWPTooLarge
	}
	block, err := newKWPCipher(kek)
	if err != nil {
		return nil, err
	}

	var aiv [kwpSemiblock]byte
	copy(aiv[:4], kwpICV2[:])
	binary.BigEndian.PutUint32(aiv[4:], uint32(len(plaintext)))

	padded := make([]byte, (len(plaintext)+kwpSemiblock-1)/kwpSemiblock*kwpSemiblock)
	copy(padded, plaintext)
	defer clear(padded)

	if len(padded) == kwpSemiblock {
		out := make([]byte, 2*kwpSemiblock)
		copy(out, aiv[:])
		copy(out[kwpSemiblock:], padded)
		block.Encrypt(out, out)
		return out, nil
	}

	n := len(padded) / kwpSemiblock
	out := make([]byte, kwpSemiblock+len(padded))
	copy(out[kwpSemiblock:], padded)
	a := aiv
	var buf [2 * kwpSemiblock]byte
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			r := out[i*kwpSemiblock : (i+1)*kwpSemiblock]
			copy(buf[:kwpSemiblock], a[:])
			copy(buf[kwpSemiblock:], r)
			block.Encrypt(buf[:], buf[:])
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a[:], binary.BigEndian.Uint64(buf[:kwpSemiblock])^t)
			copy(r, buf[kwpSemiblock:])
		}
	}
	copy(out[:kwpSemiblock], a[:])
	clear(buf[:])
	return out, nil
}

// UnwrapWithPadding reverses WrapWithPadding and checks the integrity value and padding.
func UnwrapWithPadding(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2*kwpSemiblock || len(ciphertext)%kwpSemiblock != 0 {
		return nil, errKWPCiphertext
	}
	block, err := newKWPCipher(kek)
	if err != nil {
		return nil, err
	}

	var a [kwpSemiblock]byte
	var padded []byte
	if len(ciphertext) == 2*kwpSemiblock {
		buf := make([]byte, 2*kwpSemiblock)
		block.Decrypt(buf, ciphertext)
		copy(a[:], buf[:kwpSemiblock])
		padded = buf[kwpSemiblock:]
	} else {
		n := len(ciphertext)/kwpSemiblock - 1
		padded = make([]byte, n*kwpSemiblock)
		copy(padded, ciphertext[kwpSemiblock:])
		copy(a[:], ciphertext[:kwpSemiblock])
		var buf [2 * kwpSemiblock]byte
		for j := 5; j >= 0; j-- {
			for i := n; i >= 1; i-- {
				r := padded[(i-1)*kwpSemiblock : i*kwpSemiblock]
				t := uint64(n*j + i)
				binary.BigEndian.PutUint64(buf[:kwpSemiblock], binary.BigEndian.Uint64(a[:])^t)
				copy(buf[kwpSemiblock:], r)
				block.Decrypt(buf[:], buf[:])
				copy(a[:], buf[:kwpSemiblock])
				copy(r, buf[kwpSemiblock:])
			}
		}
		clear(buf[:])
	}

	if subtle.ConstantTimeCompare(a[:4], kwpICV2[:]) != 1 {
		clear(padded)
		return nil, errKWPIntegrity
	}
	mli := int(binary.BigEndian.Uint32(a[4:]))
	if mli <= len(padded)-kwpSemiblock || mli > len(padded) {
		clear(padded)
		return nil, errKWPIntegrity
	}
	var nonZero byte
	for _, b := range padded[mli:] {
		nonZero |= b
	}
	if nonZero != 0 {
		clear(padded)
		return nil, errKWPIntegrity
	}
	return padded[:mli], nil
}

type blockCipher interface {
	Encrypt(dst, src []byte)
	Decrypt(dst, src []byte)
}

func newKWPCipher(kek []byte) (blockCipher, error) {
	switch len(kek) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d bytes", errKWPInvalidSize, len(kek))
	}
	return aes.NewCipher(kek)
}
