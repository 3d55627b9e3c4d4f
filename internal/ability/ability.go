// Package ability describes what a session credential is allowed to do.
package ability

import "strings"

type Resource string
type Ability string

const (
	ResourceAccessControlCondition Resource = "lit-accesscontrolcondition"
	ResourcePKP                    Resource = "lit-pkp"
)

const (
	AbilityDecryption Ability = "access-control-condition-decryption"
	AbilitySigning    Ability = "access-control-condition-signing"
	AbilityPKPSigning Ability = "pkp-signing"
)

// Wildcard matches every resource key.
const Wildcard = "*"

// Request asks for one ability over a resource key.
type Request struct {
	Resource Resource `json:"resource"`
	Key      string   `json:"key"`
	Ability  Ability  `json:"ability"`
}

// String renders the request as "<resource>://<key>#<ability>".
func (r Request) String() string {
	return string(r.Resource) + "://" + r.Key + "#" + string(r.Ability)
}

// DecryptAny is the request sessions use to decrypt any condition-gated content.
func DecryptAny() Request {
	return Request{Resource: ResourceAccessControlCondition, Key: Wildcard, Ability: AbilityDecryption}
}

// Can reports whether the granted requests allow ability on resource key.
func Can(granted []Request, resource Resource, key string, want Ability) bool {
	for _, g := range granted {
		if g.Resource != resource || g.Ability != want {
			continue
		}
		if g.Key == Wildcard || g.Key == key {
			return true
		}
	}
	return false
}

// Normalize maps a loosely written ability onto a known one. Unknown values
// return "" so callers reject them.
func Normalize(raw string) Ability {
	switch Ability(strings.ToLower(strings.TrimSpace(raw))) {
	case AbilityDecryption, "decrypt", "decryption":
		return AbilityDecryption
	case AbilitySigning, "sign", "signing":
		return AbilitySigning
	case AbilityPKPSigning:
		return AbilityPKPSigning
	default:
		return ""
	}
}

// Valid reports whether r names a known resource and ability with a key.
func (r Request) Valid() bool {
	if r.Key == "" || Normalize(string(r.Ability)) != r.Ability {
		return false
	}
	return r.Resource == ResourceAccessControlCondition || r.Resource == ResourcePKP
}
