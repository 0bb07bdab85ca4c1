package sessions

import (
	"crypto/rand"
	"math/big"
)

const (
	accessCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	accessCodeLength   = 6
	maxCodeAttempts    = 8
)

// CodeGenerator returns a candidate access code
type CodeGenerator func() (string, error)

// RandomAccessCode draws six characters uniformly from [A-Z0-9]
func RandomAccessCode() (string, error) {
	max := big.NewInt(int64(len(accessCodeAlphabet)))
	code := make([]byte, accessCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = accessCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
