package mediasystem

import (
	"crypto/rand"
	"crypto/x509/pkix"
	"math/big"
)

func selfSignedSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(1)
	}
	return n
}

func pkixNameFor(cn string) pkix.Name {
	return pkix.Name{CommonName: cn}
}
