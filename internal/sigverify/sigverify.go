// Package sigverify recovers and checks wallet signatures for API requests.
//
// Every authenticated endpoint has a canonical message built from the
// operation's semantic parameters (never free-form client text). The client
// signs that message with the wallet that owns the address it claims, and we
// recover the signer here. A timestamp embedded in the message bounds replay.
package sigverify

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrStaleTimestamp   = errors.New("sigverify: stale timestamp")
	ErrInvalidSignature = errors.New("sigverify: invalid signature")
	ErrAddressMismatch  = errors.New("sigverify: recovered address does not match")
)

// DefaultTolerance is the default timestamp window for replay protection.
const DefaultTolerance = 5 * time.Minute

// Result of a verification attempt. Transient, never stored.
type Result struct {
	Valid            bool
	RecoveredAddress string
	Reason           string
}

// HashMessage creates an EIP-191 personal-message hash
// ("\x19Ethereum Signed Message:\n{len}" prefix).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and a
// hex-encoded 65-byte (r||s||v) signature.
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: not hex: %v", ErrInvalidSignature, err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("%w: must be 65 bytes, got %d", ErrInvalidSignature, len(signature))
	}

	// Wallets produce v = 27 or 28; Ecrecover expects 0 or 1.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Verify checks a claimed address against a message + signature pair and a
// client-supplied timestamp (milliseconds since epoch). The timestamp must be
// within tolerance of the server clock in either direction.
func Verify(address, message, signatureHex string, timestampMs int64, tolerance time.Duration) Result {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	drift := time.Since(time.UnixMilli(timestampMs))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return Result{Valid: false, Reason: "stale timestamp"}
	}

	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return Result{Valid: false, Reason: "invalid signature"}
	}

	if !strings.EqualFold(recovered, address) {
		return Result{Valid: false, RecoveredAddress: recovered, Reason: "invalid signature"}
	}

	return Result{Valid: true, RecoveredAddress: recovered}
}

// VerifyErr is Verify with an error return for call sites that prefer errors.
func VerifyErr(address, message, signatureHex string, timestampMs int64, tolerance time.Duration) error {
	res := Verify(address, message, signatureHex, timestampMs, tolerance)
	if res.Valid {
		return nil
	}
	if res.Reason == "stale timestamp" {
		return ErrStaleTimestamp
	}
	if res.RecoveredAddress != "" {
		return ErrAddressMismatch
	}
	return ErrInvalidSignature
}
