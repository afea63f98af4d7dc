package marketplace

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// cbcChunk is how much ciphertext is decrypted per read. It must be a
// multiple of the AES block size.
const cbcChunk = 64 * 1024

// newDecryptReader reverses the AES-CBC/PKCS7 envelope a report document
// may carry, block by block as src is read. Key and IV arrive base64 encoded.
func newDecryptReader(details *encryptionDetails, src io.Reader) (io.Reader, error) {
	if details.Standard != "" && !strings.EqualFold(details.Standard, "AES") {
		return nil, fmt.Errorf("unsupported encryption standard %q", details.Standard)
	}
	key, err := base64.StdEncoding.DecodeString(details.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(details.InitializationVector)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("iv length %d, want %d", len(iv), block.BlockSize())
	}
	return &cbcReader{
		src:  src,
		mode: cipher.NewCBCDecrypter(block, iv),
		in:   make([]byte, cbcChunk),
	}, nil
}

// cbcReader holds back the last decrypted block until the ciphertext ends,
// since only that block carries the padding.
type cbcReader struct {
	src  io.Reader
	mode cipher.BlockMode
	in   []byte
	held []byte
	out  []byte
	done bool
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *cbcReader) fill() error {
	bs := r.mode.BlockSize()
	n, err := io.ReadFull(r.src, r.in)
	last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !last {
		return err
	}
	if n%bs != 0 {
		return fmt.Errorf("ciphertext length is not a multiple of the block size")
	}
	r.mode.CryptBlocks(r.in[:n], r.in[:n])
	plain := append(r.held, r.in[:n]...)

	if !last {
		r.held = append([]byte(nil), plain[len(plain)-bs:]...)
		r.out = plain[:len(plain)-bs]
		return nil
	}
	r.done = true
	r.held = nil
	if len(plain) == 0 {
		return errors.New("empty ciphertext")
	}
	out, err := unpadPKCS7(plain, bs)
	if err != nil {
		return err
	}
	r.out = out
	return nil
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-n], nil
}
