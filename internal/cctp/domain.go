package cctp

import "fmt"

// Domain is Circle's protocol identifier for a chain. It is not the EVM chain id.
type Domain uint32

const (
	DomainEthereum  Domain = 0
	DomainAvalanche Domain = 1
	DomainOptimism  Domain = 2
	DomainArbitrum  Domain = 3
	DomainSolana    Domain = 5
	DomainBase      Domain = 6
	DomainPolygon   Domain = 7
	DomainUnichain  Domain = 10
	DomainLinea     Domain = 11
	DomainCodex     Domain = 12
	DomainSonic     Domain = 13
	DomainWorld     Domain = 14
	DomainMonad     Domain = 15
	DomainSei       Domain = 16
	DomainBNB       Domain = 17
	DomainXDC       Domain = 18
	DomainHyperEVM  Domain = 19
	DomainInk       Domain = 21
	DomainPlume     Domain = 22
)

// DomainInfo describes which protocol versions are deployed on a domain.
type DomainInfo struct {
	Domain Domain
	Name   string
	V1     bool
	V2     bool
}

var domains = map[Domain]DomainInfo{
	DomainEthereum:  {DomainEthereum, "Ethereum", true, true},
	DomainAvalanche: {DomainAvalanche, "Avalanche", true, true},
	DomainOptimism:  {DomainOptimism, "OP Mainnet", true, true},
	DomainArbitrum:  {DomainArbitrum, "Arbitrum", true, true},
	DomainSolana:    {DomainSolana, "Solana", true, true},
	DomainBase:      {DomainBase, "Base", true, true},
	DomainPolygon:   {DomainPolygon, "Polygon PoS", true, true},
	DomainUnichain:  {DomainUnichain, "Unichain", true, true},
	DomainLinea:     {DomainLinea, "Linea", false, true},
	DomainCodex:     {DomainCodex, "Codex", false, true},
	DomainSonic:     {DomainSonic, "Sonic", false, true},
	DomainWorld:     {DomainWorld, "World Chain", false, true},
	DomainMonad:     {DomainMonad, "Monad", false, true},
	DomainSei:       {DomainSei, "Sei", false, true},
	DomainBNB:       {DomainBNB, "BNB Smart Chain", false, true},
	DomainXDC:       {DomainXDC, "XDC", false, true},
	DomainHyperEVM:  {DomainHyperEVM, "HyperEVM", false, true},
	DomainInk:       {DomainInk, "Ink", false, true},
	DomainPlume:     {DomainPlume, "Plume", false, true},
}

// LookupDomain returns the deployment info for d, or ErrChainNotSupported.
func LookupDomain(d Domain) (DomainInfo, error) {
	info, ok := domains[d]
	if !ok {
		return DomainInfo{}, fmt.Errorf("%w: unknown domain %d", ErrChainNotSupported, d)
	}
	return info, nil
}

// Supports reports whether the protocol version is deployed on the domain.
func (i DomainInfo) Supports(v Version) bool {
	switch v {
	case V1:
		return i.V1
	case V2:
		return i.V2
	}
	return false
}

// RequireDomain checks that d is known and runs version v.
func RequireDomain(d Domain, v Version) (DomainInfo, error) {
	info, err := LookupDomain(d)
	if err != nil {
		return DomainInfo{}, err
	}
	if !info.Supports(v) {
		return DomainInfo{}, fmt.Errorf("%w: %s has no %s deployment", ErrChainNotSupported, info.Name, v)
	}
	return info, nil
}

func (d Domain) String() string {
	if info, ok := domains[d]; ok {
		return info.Name
	}
	return fmt.Sprintf("domain(%d)", uint32(d))
}

// FinalityThreshold is the V2 confirmation level a burn asks the attester to wait for.
type FinalityThreshold uint32

const (
	FinalityFast     FinalityThreshold = 1000
	FinalityStandard FinalityThreshold = 2000
)

func (f FinalityThreshold) IsFast() bool {
	return f <= FinalityFast
}

func (f FinalityThreshold) String() string {
	switch f {
	case FinalityFast:
		return "fast"
	case FinalityStandard:
		return "standard"
	}
	return fmt.Sprintf("threshold(%d)", uint32(f))
}
