package amt

import (
	"math/big"
	"math/bits"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/fft"

	"github.com/eth2030/lvmt/lvmterrors"
	"github.com/eth2030/lvmt/lvmttypes"
)

// SlotSize mirrors lvmttypes.SlotSize; basis_power precomputes one curve
// point per non-final slot so that adding it to a node's commitment
// advances that slot's encoded version by one.
const slotSize = lvmttypes.SlotSize

// AMTParams is the derived commitment toolkit for one AMT depth (spec.md
// §4.4): the Lagrange basis over the N-th roots of unity, the per-depth
// quotient and vanishing-polynomial commitments used by proofs, and the
// basis_power table the change manager uses to update commitments in
// place.
type AMTParams struct {
	depth      int
	proveDepth int

	basis      []bn254.G1Affine
	quotients  [][]bn254.G1Affine
	vanishes   [][]bn254.G2Affine
	basisPower [][]bn254.G1Affine // [node_index][slot_index], slot_index < SlotSize-1
	g2         bn254.G2Affine
}

// NewAMTParams derives an AMTParams of the given depth (N = 2^depth) and
// proveDepth from pt, per spec.md §4.4.
func NewAMTParams(pt *PowerTau, depth, proveDepth int) (*AMTParams, error) {
	n := 1 << depth
	if len(pt.G1) < n || len(pt.G2) < n {
		return nil, lvmterrors.ErrProveDepthTooSmall
	}
	if proveDepth > depth {
		return nil, lvmterrors.ErrProveDepthTooSmall
	}

	domain := fft.NewDomain(uint64(n))

	basis, err := deriveBasis(pt.G1[:n], domain)
	if err != nil {
		return nil, err
	}

	quotients := make([][]bn254.G1Affine, proveDepth+1)
	vanishes := make([][]bn254.G2Affine, proveDepth+1)
	for d := 1; d <= proveDepth; d++ {
		q, err := deriveQuotients(pt.G1[:n], domain, d)
		if err != nil {
			return nil, err
		}
		quotients[d] = q

		v, err := deriveVanishes(pt.G2[:n], depth, d)
		if err != nil {
			return nil, err
		}
		vanishes[d] = v
	}

	basisPower := make([][]bn254.G1Affine, n)
	for i := range basis {
		row := make([]bn254.G1Affine, slotSize-1)
		for s := 0; s < slotSize-1; s++ {
			row[s] = scalePow2(basis[i], 40*(s+1))
		}
		basisPower[i] = row
	}

	amtLog.Info("derived AMT parameters", "depth", depth, "prove_depth", proveDepth, "n", n)
	return &AMTParams{
		depth:      depth,
		proveDepth: proveDepth,
		basis:      basis,
		quotients:  quotients,
		vanishes:   vanishes,
		basisPower: basisPower,
		g2:         pt.G2[0],
	}, nil
}

// ReduceProveDepth returns a copy of p truncated to a smaller proveDepth,
// discarding quotient/vanish tables beyond it (mirrors the original's
// reduce_prove_depth, used when a caller only needs shallow proofs).
func (p *AMTParams) ReduceProveDepth(proveDepth int) *AMTParams {
	return &AMTParams{
		depth:      p.depth,
		proveDepth: proveDepth,
		basis:      p.basis,
		quotients:  p.quotients[:proveDepth+1],
		vanishes:   p.vanishes[:proveDepth+1],
		basisPower: p.basisPower,
		g2:         p.g2,
	}
}

// deriveBasis computes basis[i] = inverse-FFT(g1pp)[i], bit-reversed, the
// Lagrange-basis commitments at the N-th roots of unity.
func deriveBasis(g1pp []bn254.G1Affine, domain *fft.Domain) ([]bn254.G1Affine, error) {
	jac := toJacobian(g1pp)
	out := groupIFFT(jac, domain)
	bitReverseJac(out)
	return toAffine(out), nil
}

// deriveQuotients computes quotients[d]: forward-FFT of a vector whose
// first N/2^d entries are a reversed prefix of g1pp scaled by 1/N, then
// bit-reversed.
func deriveQuotients(g1pp []bn254.G1Affine, domain *fft.Domain, d int) ([]bn254.G1Affine, error) {
	n := len(g1pp)
	prefixLen := n >> d
	padded := make([]bn254.G1Jac, n)
	for i := 0; i < prefixLen; i++ {
		var pt bn254.G1Jac
		pt.FromAffine(&g1pp[prefixLen-1-i])
		scaleByFr(&pt, domain.CardinalityInv)
		padded[i] = pt
	}
	out := groupFFTG1(padded, domain.Generator)
	bitReverseJac(out)
	return toAffine(out), nil
}

// deriveVanishes computes vanishes[d]: inverse-FFT (forward generator, per
// spec.md §4.4's "swapped generators") over g2pp strided by
// 2^(depth-d), producing a length-2^d vector.
func deriveVanishes(g2pp []bn254.G2Affine, depth, d int) ([]bn254.G2Affine, error) {
	stride := 1 << (depth - d)
	m := 1 << d
	strided := make([]bn254.G2Jac, m)
	for i := 0; i < m; i++ {
		strided[i].FromAffine(&g2pp[i*stride])
	}
	sub := fft.NewDomain(uint64(m))
	out := groupFFTG2(strided, sub.Generator)
	return toAffineG2(out), nil
}

// basisPowerAt returns the precomputed 2^(40*(slot+1))·basis[nodeIndex]
// point used to advance slot by one version.
func (p *AMTParams) basisPowerAt(nodeIndex, slot int) bn254.G1Affine {
	return p.basisPower[nodeIndex][slot]
}

// ReconstructCommitment recomputes Σ version·basis_power[nodeIndex][slot]
// via multi-scalar multiplication, independent of any stored running
// commitment: the check_consistency reconstruction of spec.md §8
// TestableProperty 6 ("every commitment equals its MSM reconstruction").
// versions maps node_index to slot_index to the version recorded at that
// slot (a key's own version for its assigned slot, or a child sub-AMT's
// own node version for its signal slot SlotSize-1).
func (p *AMTParams) ReconstructCommitment(versions map[int]map[int]uint64) (bn254.G1Affine, error) {
	var points []bn254.G1Affine
	var scalars []fr.Element
	for nodeIndex, slots := range versions {
		for slot, version := range slots {
			points = append(points, p.basisPowerAt(nodeIndex, slot))
			var s fr.Element
			s.SetUint64(version)
			scalars = append(scalars, s)
		}
	}
	if len(points) == 0 {
		return bn254.G1Affine{}, nil
	}
	var out bn254.G1Affine
	if _, err := out.MultiExp(points, scalars, ecc.MultiExpConfig{}); err != nil {
		return bn254.G1Affine{}, lvmterrors.ErrCryptoError
	}
	return out, nil
}

func scalePow2(p bn254.G1Affine, exp int) bn254.G1Affine {
	scalar := new(big.Int).Lsh(big.NewInt(1), uint(exp))
	var jac bn254.G1Jac
	jac.FromAffine(&p)
	jac.ScalarMultiplication(&jac, scalar)
	var aff bn254.G1Affine
	aff.FromJacobian(&jac)
	return aff
}

func scaleByFr(p *bn254.G1Jac, s fr.Element) {
	var bi big.Int
	s.BigInt(&bi)
	p.ScalarMultiplication(p, &bi)
}

func toJacobian(affs []bn254.G1Affine) []bn254.G1Jac {
	out := make([]bn254.G1Jac, len(affs))
	for i := range affs {
		out[i].FromAffine(&affs[i])
	}
	return out
}

func toAffine(jacs []bn254.G1Jac) []bn254.G1Affine {
	out := make([]bn254.G1Affine, len(jacs))
	for i := range jacs {
		out[i].FromJacobian(&jacs[i])
	}
	return out
}

func toAffineG2(jacs []bn254.G2Jac) []bn254.G2Affine {
	out := make([]bn254.G2Affine, len(jacs))
	for i := range jacs {
		out[i].FromJacobian(&jacs[i])
	}
	return out
}

func bitReverseJac(a []bn254.G1Jac) {
	n := len(a)
	logN := bits.Len(uint(n)) - 1
	for i := 0; i < n; i++ {
		j := bits.Reverse(uint(i)) >> (bits.UintSize - logN)
		if i < int(j) {
			a[i], a[j] = a[j], a[i]
		}
	}
}

// groupFFTG1/groupFFTG2 run a radix-2 Cooley-Tukey FFT over an abelian
// group (additive G1Jac/G2Jac) using a field-valued root of unity,
// implementing the classic "scalar-multiplication in place of
// field-multiplication" generalization used to commit to polynomials in
// EC-point form.
func groupIFFT(a []bn254.G1Jac, domain *fft.Domain) []bn254.G1Jac {
	out := groupFFTG1(a, domain.GeneratorInv)
	for i := range out {
		scaleByFr(&out[i], domain.CardinalityInv)
	}
	return out
}

func groupFFTG1(a []bn254.G1Jac, root fr.Element) []bn254.G1Jac {
	n := len(a)
	if n == 1 {
		return []bn254.G1Jac{a[0]}
	}
	half := n / 2
	even := make([]bn254.G1Jac, half)
	odd := make([]bn254.G1Jac, half)
	for i := 0; i < half; i++ {
		even[i] = a[2*i]
		odd[i] = a[2*i+1]
	}
	var rootSq fr.Element
	rootSq.Square(&root)
	fe := groupFFTG1(even, rootSq)
	fo := groupFFTG1(odd, rootSq)

	out := make([]bn254.G1Jac, n)
	w := fr.One()
	for i := 0; i < half; i++ {
		t := fo[i]
		scaleByFr(&t, w)
		out[i].Set(&fe[i])
		out[i].AddAssign(&t)
		out[i+half].Set(&fe[i])
		out[i+half].SubAssign(&t)
		w.Mul(&w, &root)
	}
	return out
}

func groupFFTG2(a []bn254.G2Jac, root fr.Element) []bn254.G2Jac {
	n := len(a)
	if n == 1 {
		return []bn254.G2Jac{a[0]}
	}
	half := n / 2
	even := make([]bn254.G2Jac, half)
	odd := make([]bn254.G2Jac, half)
	for i := 0; i < half; i++ {
		even[i] = a[2*i]
		odd[i] = a[2*i+1]
	}
	var rootSq fr.Element
	rootSq.Square(&root)
	fe := groupFFTG2(even, rootSq)
	fo := groupFFTG2(odd, rootSq)

	out := make([]bn254.G2Jac, n)
	w := fr.One()
	for i := 0; i < half; i++ {
		t := fo[i]
		var bi big.Int
		w.BigInt(&bi)
		t.ScalarMultiplication(&t, &bi)
		out[i].Set(&fe[i])
		out[i].AddAssign(&t)
		out[i+half].Set(&fe[i])
		out[i+half].SubAssign(&t)
		w.Mul(&w, &root)
	}
	return out
}
