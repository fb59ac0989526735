package amt

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// testG1/testG2 build a toy (insecure) powers-of-tau vector for unit tests:
// tau is a small fixed scalar, never used outside this package's tests.
func testG1(n int) []bn254.G1Affine {
	_, _, g1, _ := bn254.Generators()
	return powers(g1, n)
}

func testG2(n int) []bn254.G2Affine {
	_, _, _, g2 := bn254.Generators()
	return powersG2(g2, n)
}

func powers(g bn254.G1Affine, n int) []bn254.G1Affine {
	out := make([]bn254.G1Affine, n)
	var tau fr.Element
	tau.SetUint64(7)
	acc := fr.One()
	for i := 0; i < n; i++ {
		var bi big.Int
		acc.BigInt(&bi)
		var jac bn254.G1Jac
		jac.FromAffine(&g)
		jac.ScalarMultiplication(&jac, &bi)
		out[i].FromJacobian(&jac)
		acc.Mul(&acc, &tau)
	}
	return out
}

func powersG2(g bn254.G2Affine, n int) []bn254.G2Affine {
	out := make([]bn254.G2Affine, n)
	var tau fr.Element
	tau.SetUint64(7)
	acc := fr.One()
	for i := 0; i < n; i++ {
		var bi big.Int
		acc.BigInt(&bi)
		var jac bn254.G2Jac
		jac.FromAffine(&g)
		jac.ScalarMultiplication(&jac, &bi)
		out[i].FromJacobian(&jac)
		acc.Mul(&acc, &tau)
	}
	return out
}
