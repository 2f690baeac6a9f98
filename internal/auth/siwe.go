package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Package auth verifies EIP-4361 ("Sign-In with Ethereum") messages
// signed with personal_sign.

var (
	ErrMalformedMessage = errors.New("auth: malformed sign-in message")
	ErrBadSignature     = errors.New("auth: signature verification failed")
)

// SiweMessage holds the fields the backend cares about. The raw text is
// kept because the signature covers the message byte-for-byte.
type SiweMessage struct {
	Domain  string
	Address string
	Nonce   string
	Raw     string
}

const accountPreamble = " wants you to sign in with your Ethereum account:"

// ParseMessage extracts domain, address and nonce from an EIP-4361
// message. Unknown fields are ignored.
func ParseMessage(raw string) (*SiweMessage, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 || !strings.HasSuffix(lines[0], accountPreamble) {
		return nil, ErrMalformedMessage
	}

	msg := &SiweMessage{
		Domain:  strings.TrimSuffix(lines[0], accountPreamble),
		Address: strings.TrimSpace(lines[1]),
		Raw:     raw,
	}
	if !common.IsHexAddress(msg.Address) {
		return nil, ErrMalformedMessage
	}

	for _, line := range lines[2:] {
		if v, ok := strings.CutPrefix(line, "Nonce: "); ok {
			msg.Nonce = strings.TrimSpace(v)
			break
		}
	}
	if msg.Nonce == "" {
		return nil, ErrMalformedMessage
	}
	return msg, nil
}

// Verify recovers the signer of the message and compares it with the
// address the message claims. Signature is the 65-byte hex string
// produced by personal_sign.
func Verify(msg *SiweMessage, signature string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return ErrBadSignature
	}

	// wallets emit V as 27/28, go-ethereum expects 0/1
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(personalHash(msg.Raw), sig)
	if err != nil {
		return ErrBadSignature
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(msg.Address) {
		return ErrBadSignature
	}
	return nil
}

// personalHash applies the EIP-191 personal_sign envelope.
func personalHash(data string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(prefixed))
}
