package referral

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"
	"github.com/theplant/luhn"
)

// Referral codes are 10 digits: 9 random digits plus a Luhn check digit, so
// a mistyped link is rejected before it reaches the database.
const (
	codeBody   = 9
	codeLength = codeBody + 1
	codeFloor  = 100_000_000 // smallest 9-digit body
	codeSpan   = 900_000_000
)

// NewCode returns a fresh referral code. Uniqueness is enforced by the store.
func NewCode() string {
	u := uuid.New()
	body := codeFloor + int(binary.BigEndian.Uint64(u[:8])%codeSpan)
	return strconv.Itoa(body*10 + luhn.CalculateLuhn(body))
}

// ValidCode reports whether code is well formed and its check digit matches.
func ValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return luhn.Valid(n)
}
