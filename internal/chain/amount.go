package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenDecimals is the decimal precision of the network's native token.
const TokenDecimals = 18

var tokenDivisor = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// FormatToken converts a raw wei-style amount to a human-readable string,
// trailing zeros trimmed.
func FormatToken(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	whole := new(big.Int).Div(amount, tokenDivisor)
	remainder := new(big.Int).Mod(amount, tokenDivisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := fmt.Sprintf("%018s", remainder.String())
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}

// ParseToken converts a human-readable decimal amount to the raw 18-decimal
// representation. Negative and malformed amounts are rejected.
func ParseToken(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("%w: invalid format", ErrInvalidAmount)
	}
	if whole == "" {
		whole = "0"
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid whole number", ErrInvalidAmount)
	}
	if wholeBig.Sign() < 0 || strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("%w: negative amounts not allowed", ErrInvalidAmount)
	}

	result := new(big.Int).Mul(wholeBig, tokenDivisor)

	if decimal != "" {
		if len(decimal) > TokenDecimals {
			decimal = decimal[:TokenDecimals]
		}
		for len(decimal) < TokenDecimals {
			decimal += "0"
		}

		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok || decimalBig.Sign() < 0 {
			return nil, fmt.Errorf("%w: invalid decimal part", ErrInvalidAmount)
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}
