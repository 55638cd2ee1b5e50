// envelope.go: On-disk envelope codec for encrypted/compressed log lines
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cellary

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Versioned envelope layout, all length fields single unsigned bytes:
//
//	MAGIC(4) | VERSION(1) | ALGO(1) | FLAGS(1) |
//	KEYID_LEN(1) | KEYID | IV_LEN(1) | IV | TAG_LEN(1) | TAG | CIPHERTEXT
//
// Legacy layout (read-only): IV(16) | CIPHERTEXT | TAG(16), AES-256-GCM with
// the engine's current key. Detected when the first four bytes are not MAGIC.

// envelopeMagic identifies a versioned envelope.
var envelopeMagic = [4]byte{'C', 'L', 'R', 'Y'}

const (
	envelopeVersion = 1

	// flagCompressed marks plaintext that was gzip-compressed before
	// encryption. Compression always happens before encryption; compressing
	// ciphertext would be wasted work on high-entropy data.
	flagCompressed = 0x01

	legacyIVSize  = 16
	legacyTagSize = 16

	gcmIVSize  = 12
	gcmTagSize = 16
	cbcIVSize  = aes.BlockSize
)

// Algorithm identifies an envelope encryption algorithm.
type Algorithm byte

// Supported algorithms. The set is closed: an unrecognized code on disk is a
// decode error, not a crash.
const (
	AlgoAES256GCM Algorithm = 1
	AlgoAES256CBC Algorithm = 2
)

// String returns the canonical algorithm name.
func (a Algorithm) String() string {
	switch a {
	case AlgoAES256GCM:
		return "aes-256-gcm"
	case AlgoAES256CBC:
		return "aes-256-cbc"
	default:
		return fmt.Sprintf("algorithm(%d)", byte(a))
	}
}

// ParseAlgorithm converts an algorithm name to its code.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "aes-256-gcm", "aes256gcm":
		return AlgoAES256GCM, nil
	case "aes-256-cbc", "aes256cbc":
		return AlgoAES256CBC, nil
	}
	return 0, fmt.Errorf("unknown encryption algorithm %q", s)
}

// keyLookup resolves a key id to key material. A miss is ErrKeyNotFound.
type keyLookup func(id string) ([]byte, error)

// encodeEnvelope encrypts plaintext under the given key and returns the
// versioned envelope bytes. The key id is always embedded so decoding never
// depends on which key is current.
func encodeEnvelope(plaintext, key []byte, keyID string, algo Algorithm, compress bool) ([]byte, error) {
	if len(keyID) == 0 || len(keyID) > 255 {
		return nil, fmt.Errorf("key id length %d out of range", len(keyID))
	}

	var flags byte
	if compress {
		deflated, err := gzipCompress(plaintext)
		if err != nil {
			return nil, fmt.Errorf("compress plaintext: %w", err)
		}
		plaintext = deflated
		flags |= flagCompressed
	}

	var iv, tag, ciphertext []byte
	switch algo {
	case AlgoAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		iv = make([]byte, gcmIVSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		sealed := gcm.Seal(nil, iv, plaintext, nil)
		ciphertext = sealed[:len(sealed)-gcmTagSize]
		tag = sealed[len(sealed)-gcmTagSize:]

	case AlgoAES256CBC:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		iv = make([]byte, cbcIVSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		padded := padPKCS7(plaintext, aes.BlockSize)
		ciphertext = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
		// No authentication tag for non-AEAD algorithms.

	default:
		return nil, fmt.Errorf("unsupported encryption algorithm %d", algo)
	}

	out := make([]byte, 0, 4+3+1+len(keyID)+1+len(iv)+1+len(tag)+len(ciphertext))
	out = append(out, envelopeMagic[:]...)
	out = append(out, envelopeVersion, byte(algo), flags)
	out = append(out, byte(len(keyID)))
	out = append(out, keyID...)
	out = append(out, byte(len(iv)))
	out = append(out, iv...)
	out = append(out, byte(len(tag)))
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// decodeEnvelope decrypts one stored line. Versioned envelopes resolve their
// embedded key id through lookup; anything without the magic prefix is
// treated as the legacy format.
func decodeEnvelope(data []byte, lookup keyLookup) ([]byte, error) {
	if !bytes.HasPrefix(data, envelopeMagic[:]) {
		return decodeLegacyEnvelope(data, lookup)
	}

	rest := data[4:]
	if len(rest) < 3 {
		return nil, decodeErrorf(nil, "truncated envelope header")
	}
	version, algo, flags := rest[0], Algorithm(rest[1]), rest[2]
	rest = rest[3:]
	if version != envelopeVersion {
		return nil, decodeErrorf(nil, "unknown envelope version %d", version)
	}

	keyID, rest, err := readLengthPrefixed(rest, "key id")
	if err != nil {
		return nil, err
	}
	iv, rest, err := readLengthPrefixed(rest, "iv")
	if err != nil {
		return nil, err
	}
	tag, ciphertext, err := readLengthPrefixed(rest, "tag")
	if err != nil {
		return nil, err
	}

	key, err := lookup(string(keyID))
	if err != nil {
		return nil, decodeErrorf(err, "key %q unavailable", keyID)
	}

	var plaintext []byte
	switch algo {
	case AlgoAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, decodeErrorf(err, "bad key material")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, decodeErrorf(err, "bad key material")
		}
		if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
			return nil, decodeErrorf(nil, "bad iv/tag length for %s", algo)
		}
		sealed := make([]byte, 0, len(ciphertext)+len(tag))
		sealed = append(sealed, ciphertext...)
		sealed = append(sealed, tag...)
		plaintext, err = gcm.Open(nil, iv, sealed, nil)
		if err != nil {
			return nil, decodeErrorf(err, "authentication failed")
		}

	case AlgoAES256CBC:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, decodeErrorf(err, "bad key material")
		}
		if len(iv) != cbcIVSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, decodeErrorf(nil, "bad iv/ciphertext length for %s", algo)
		}
		padded := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
		plaintext, err = unpadPKCS7(padded, aes.BlockSize)
		if err != nil {
			return nil, decodeErrorf(err, "bad padding")
		}

	default:
		return nil, decodeErrorf(nil, "unknown envelope algorithm %d", byte(algo))
	}

	if flags&flagCompressed != 0 {
		inflated, err := gzipDecompress(plaintext)
		if err != nil {
			return nil, decodeErrorf(err, "decompress plaintext")
		}
		plaintext = inflated
	}
	return plaintext, nil
}

// decodeLegacyEnvelope handles data written before envelopes were versioned:
// AES-256-GCM with a 16-byte nonce under the single current key. The lookup
// is invoked with an empty id, which the keyring maps to the current key.
func decodeLegacyEnvelope(data []byte, lookup keyLookup) ([]byte, error) {
	if len(data) < legacyIVSize+legacyTagSize {
		return nil, decodeErrorf(nil, "truncated legacy envelope")
	}
	key, err := lookup("")
	if err != nil {
		return nil, decodeErrorf(err, "current key unavailable")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, decodeErrorf(err, "bad key material")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, legacyIVSize)
	if err != nil {
		return nil, decodeErrorf(err, "bad key material")
	}
	plaintext, err := gcm.Open(nil, data[:legacyIVSize], data[legacyIVSize:], nil)
	if err != nil {
		return nil, decodeErrorf(err, "authentication failed")
	}
	return plaintext, nil
}

// Framing escape codes. Envelope bytes are raw binary, but stored lines are
// newline-delimited, so a 0x0A inside an IV, tag or ciphertext must not
// reach disk verbatim. 0x1B introduces a two-byte escape pair.
const (
	frameEscape     = 0x1B
	frameEscNewline = 0x01
	frameEscEscape  = 0x02
)

// escapeFrame rewrites newline and escape bytes so an envelope can be
// stored as one newline-terminated line. The magic prefix and the header
// bytes before the key id contain neither byte and survive untouched.
func escapeFrame(data []byte) []byte {
	extra := 0
	for _, b := range data {
		if b == '\n' || b == frameEscape {
			extra++
		}
	}
	if extra == 0 {
		return data
	}
	out := make([]byte, 0, len(data)+extra)
	for _, b := range data {
		switch b {
		case '\n':
			out = append(out, frameEscape, frameEscNewline)
		case frameEscape:
			out = append(out, frameEscape, frameEscEscape)
		default:
			out = append(out, b)
		}
	}
	return out
}

// unescapeFrame reverses escapeFrame. A dangling or unknown escape pair is
// a decode error for that line only.
func unescapeFrame(data []byte) ([]byte, error) {
	if bytes.IndexByte(data, frameEscape) < 0 {
		return data, nil
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != frameEscape {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(data) {
			return nil, decodeErrorf(nil, "dangling frame escape")
		}
		switch data[i] {
		case frameEscNewline:
			out = append(out, '\n')
		case frameEscEscape:
			out = append(out, frameEscape)
		default:
			return nil, decodeErrorf(nil, "unknown frame escape code %#x", data[i])
		}
	}
	return out, nil
}

// readLengthPrefixed consumes one single-byte-length field from b.
func readLengthPrefixed(b []byte, what string) (field, rest []byte, err error) {
	if len(b) < 1 {
		return nil, nil, decodeErrorf(nil, "truncated envelope before %s", what)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return nil, nil, decodeErrorf(nil, "truncated envelope %s", what)
	}
	return b[1 : 1+n], b[1+n:], nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
