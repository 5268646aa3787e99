// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package plug

const (
	initialKey = 171
	headerSize = 4
)

// Encrypt ciphers a command for the plug. The result starts with a 4 byte zero header;
// each output byte becomes the key for the next one.
func Encrypt(plaintext []byte) []byte {
	out := make([]byte, headerSize+len(plaintext))
	key := byte(initialKey)
	for i, b := range plaintext {
		key ^= b
		out[headerSize+i] = key
	}
	return out
}

// Decrypt reverses the cipher on a reply payload with the header already stripped.
// Here the key advances to the consumed ciphertext byte, not the output.
func Decrypt(ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	key := byte(initialKey)
	for i, b := range ciphertext {
		out[i] = key ^ b
		key = b
	}
	return out
}
