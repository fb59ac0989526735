// Package amt implements the vector-commitment scheme the versioned store
// authenticates its flat-KV, AMT-node, and slot-allocation tables with
// (spec.md §§4.3-4.5): a powers-of-tau trusted setup, the derived AMT basis
// parameters, and the per-commit change manager that turns a set of touched
// slots into updated node commitments.
package amt

import (
	"crypto/rand"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/eth2030/lvmt/log"
	"github.com/eth2030/lvmt/lvmterrors"
)

// amtLog is the module logger for powers-of-tau loading and parameter
// derivation; this package has no long-lived service object to hang a
// per-instance *log.Logger field off of, so it uses a package-level child
// logger the way a free-function-only subsystem would.
var amtLog = log.Default().Module("amt")

// PowerTau holds the powers-of-tau trusted setup output: g1pp[i] = τ^i·G1,
// g2pp[i] = τ^i·G2 for an unknown τ.
type PowerTau struct {
	G1 []bn254.G1Affine
	G2 []bn254.G2Affine
}

// NewPowerTau wraps a pair of power-of-tau vectors; callers load these from
// a trusted ceremony transcript. Returns InconsistentLength if the two
// vectors differ in length.
func NewPowerTau(g1pp []bn254.G1Affine, g2pp []bn254.G2Affine) (*PowerTau, error) {
	if len(g1pp) != len(g2pp) {
		return nil, lvmterrors.ErrInconsistentLength
	}
	return &PowerTau{G1: g1pp, G2: g2pp}, nil
}

// Truncate returns a PowerTau restricted to the first n entries of each
// vector, usable to derive AMTParams for any smaller power of two than the
// one this setup was generated at.
func (pt *PowerTau) Truncate(n int) *PowerTau {
	return &PowerTau{G1: pt.G1[:n], G2: pt.G2[:n]}
}

// SelfCheck verifies τ-consistency via the shifted pairing equality of
// spec.md §4.3: draws random scalars r, q and checks
//
//	e(Σ rᵢ·g1pp[i], Σ qⱼ·g2pp[j+1]) == e(Σ rᵢ·g1pp[i+1], Σ qⱼ·g2pp[j])
func (pt *PowerTau) SelfCheck() error {
	n := len(pt.G1)
	if n != len(pt.G2) {
		return lvmterrors.ErrInconsistentLength
	}
	if n < 2 {
		return lvmterrors.ErrInconsistentLength
	}

	r, err := randomScalars(n - 1)
	if err != nil {
		return err
	}
	q, err := randomScalars(n - 1)
	if err != nil {
		return err
	}

	lhsG1, err := msmG1(pt.G1[:n-1], r)
	if err != nil {
		return err
	}
	lhsG2, err := msmG2(pt.G2[1:n], q)
	if err != nil {
		return err
	}
	rhsG1, err := msmG1(pt.G1[1:n], r)
	if err != nil {
		return err
	}
	rhsG2, err := msmG2(pt.G2[:n-1], q)
	if err != nil {
		return err
	}

	lhs, err := bn254.Pair([]bn254.G1Affine{*lhsG1}, []bn254.G2Affine{*lhsG2})
	if err != nil {
		return lvmterrors.ErrCryptoError
	}
	rhs, err := bn254.Pair([]bn254.G1Affine{*rhsG1}, []bn254.G2Affine{*rhsG2})
	if err != nil {
		return lvmterrors.ErrCryptoError
	}
	if !lhs.Equal(&rhs) {
		amtLog.Error("powers-of-tau self-check failed", "n", n)
		return lvmterrors.ErrInconsistentPowersOfTau
	}
	amtLog.Info("powers-of-tau self-check passed", "n", n)
	return nil
}

// randomScalars draws n scalars, retrying any draw that lands on zero;
// fails with RareZeroGenerationError after 10 consecutive zero draws for a
// single slot (spec.md §4.3).
func randomScalars(n int) ([]fr.Element, error) {
	out := make([]fr.Element, n)
	for i := range out {
		ok := false
		for attempt := 0; attempt < 10; attempt++ {
			bi, err := rand.Int(rand.Reader, fr.Modulus())
			if err != nil {
				return nil, err
			}
			out[i].SetBigInt(bi)
			if !out[i].IsZero() {
				ok = true
				break
			}
		}
		if !ok {
			return nil, lvmterrors.ErrRareZeroGeneration
		}
	}
	return out, nil
}

func msmG1(points []bn254.G1Affine, scalars []fr.Element) (*bn254.G1Affine, error) {
	var out bn254.G1Affine
	if _, err := out.MultiExp(points, scalars, ecc.MultiExpConfig{}); err != nil {
		return nil, lvmterrors.ErrCryptoError
	}
	return &out, nil
}

func msmG2(points []bn254.G2Affine, scalars []fr.Element) (*bn254.G2Affine, error) {
	var out bn254.G2Affine
	if _, err := out.MultiExp(points, scalars, ecc.MultiExpConfig{}); err != nil {
		return nil, lvmterrors.ErrCryptoError
	}
	return &out, nil
}
