package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// GlobalHourCode is the code shared by every currency's bridge asset.
// Cross-currency settlement always routes through a pair of HOUR assets.
const GlobalHourCode = "HOUR"

var assetCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{1,12}$`)

// Asset identifies an asset on the ledger network by its issuing account
// and code. Two assets are the same iff both fields match exactly.
type Asset struct {
	Code   string
	Issuer string
}

func NewAsset(code, issuer string) Asset {
	return Asset{Code: code, Issuer: issuer}
}

func (a Asset) Equals(b Asset) bool {
	return a.Code == b.Code && a.Issuer == b.Issuer
}

func (a Asset) IsZero() bool {
	return a.Code == "" && a.Issuer == ""
}

// IsHour reports whether the asset is some currency's bridge asset,
// not necessarily ours.
func (a Asset) IsHour() bool {
	return a.Code == GlobalHourCode
}

func (a Asset) Validate() error {
	if !assetCodeRe.MatchString(a.Code) {
		return Validationf("invalid asset code %q", a.Code)
	}
	if a.Issuer == "" {
		return Validationf("asset %s has no issuer", a.Code)
	}
	return nil
}

// String renders the canonical CODE:ISSUER form used in API query params.
func (a Asset) String() string {
	return a.Code + ":" + a.Issuer
}

// ParseAsset parses the CODE:ISSUER form produced by String.
func ParseAsset(s string) (Asset, error) {
	code, issuer, ok := strings.Cut(s, ":")
	if !ok {
		return Asset{}, Validationf("malformed asset %q", s)
	}
	a := Asset{Code: code, Issuer: issuer}
	if err := a.Validate(); err != nil {
		return Asset{}, err
	}
	return a, nil
}

func (a Asset) GoString() string {
	return fmt.Sprintf("domain.Asset{Code: %q, Issuer: %q}", a.Code, a.Issuer)
}
