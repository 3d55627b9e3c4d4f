// Package acc builds and validates access-control conditions: on-chain
// predicates that gate who may decrypt a piece of content.
package acc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"zuzalu/api/internal/chains"
)

const (
	StandardERC721   = "ERC721"
	MethodBalanceOf  = "balanceOf"
	ParamUserAddress = ":userAddress"

	DefaultComparator = ">"
	DefaultValue      = "0"
)

// Comparators accepted in a return value test.
var Comparators = []string{">", ">=", "<", "<=", "=", "!="}

// ReturnValueTest compares the contract call result against Value.
type ReturnValueTest struct {
	Comparator string `json:"comparator"`
	Value      string `json:"value"`
}

// Condition is one on-chain predicate.
type Condition struct {
	ContractAddress      string          `json:"contractAddress"`
	StandardContractType string          `json:"standardContractType"`
	Chain                string          `json:"chain"`
	Method               string          `json:"method"`
	Parameters           []string        `json:"parameters"`
	ReturnValueTest      ReturnValueTest `json:"returnValueTest"`
}

// Set is an ordered list of conditions, all of which must hold.
type Set []Condition

// Chain returns the chain of the first condition, which selects the decryption client.
func (s Set) Chain() string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Chain
}

// Canonical returns a stable JSON form used to bind ciphertexts to their conditions.
func (s Set) Canonical() []byte {
	normalized := make(Set, len(s))
	for i, c := range s {
		c.ContractAddress = strings.ToLower(c.ContractAddress)
		normalized[i] = c
	}
	data, _ := json.Marshal(normalized)
	return data
}

// ChainLister lists the chains conditions may reference.
type ChainLister interface {
	ListSupportedChains(ctx context.Context) ([]chains.Chain, error)
}

// ErrNoConditions is returned when release metadata declares no conditions.
var ErrNoConditions = errors.New("acc: no conditions declared")

// ValidationError reports the first invalid field of a condition set.
type ValidationError struct {
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("acc: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("acc: condition %d: %s: %s", e.Index, e.Field, e.Message)
}

// releaseCondition is the shape apps declare in their release metadata. Only
// the contract and chain are required.
type releaseCondition struct {
	ContractAddress string `json:"contractAddress"`
	Chain           string `json:"chain"`
	Method          string `json:"method"`
	Comparator      string `json:"comparator"`
	Value           string `json:"value"`
	ReturnValueTest *struct {
		Comparator string `json:"comparator"`
		Value      string `json:"value"`
	} `json:"returnValueTest"`
}

// FromReleaseMetadata builds a condition set from an app's release metadata.
// The metadata is either one condition object, a list of them, or an object
// with an "accessControlConditions" list. Empty metadata yields ErrNoConditions.
func FromReleaseMetadata(raw string) (Set, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, ErrNoConditions
	}

	var entries []releaseCondition
	switch raw[0] {
	case '[':
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, &ValidationError{Index: -1, Field: "metadata", Message: err.Error()}
		}
	case '{':
		var wrapper struct {
			Conditions []releaseCondition `json:"accessControlConditions"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil, &ValidationError{Index: -1, Field: "metadata", Message: err.Error()}
		}
		if wrapper.Conditions != nil {
			entries = wrapper.Conditions
			break
		}
		var single releaseCondition
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return nil, &ValidationError{Index: -1, Field: "metadata", Message: err.Error()}
		}
		entries = []releaseCondition{single}
	default:
		return nil, &ValidationError{Index: -1, Field: "metadata", Message: "expected a JSON object or list"}
	}
	if len(entries) == 0 {
		return nil, ErrNoConditions
	}

	set := make(Set, 0, len(entries))
	for _, entry := range entries {
		set = append(set, entry.condition())
	}
	return set, nil
}

func (r releaseCondition) condition() Condition {
	comparator, value := r.Comparator, r.Value
	if r.ReturnValueTest != nil {
		if comparator == "" {
			comparator = r.ReturnValueTest.Comparator
		}
		if value == "" {
			value = r.ReturnValueTest.Value
		}
	}
	return NewCondition(r.ContractAddress, r.Chain, r.Method, comparator, value)
}

// NewCondition builds an ERC-721 condition, filling defaults for empty
// method (balanceOf), comparator (">") and value ("0").
func NewCondition(contractAddress, chain, method, comparator, value string) Condition {
	if strings.TrimSpace(method) == "" {
		method = MethodBalanceOf
	}
	if strings.TrimSpace(comparator) == "" {
		comparator = DefaultComparator
	}
	if strings.TrimSpace(value) == "" {
		value = DefaultValue
	}
	return Condition{
		ContractAddress:      strings.TrimSpace(contractAddress),
		StandardContractType: StandardERC721,
		Chain:                strings.TrimSpace(chain),
		Method:               method,
		Parameters:           []string{ParamUserAddress},
		ReturnValueTest:      ReturnValueTest{Comparator: comparator, Value: value},
	}
}

// Validate checks every condition: address syntax and checksum, a chain from
// the registry, a supported comparator and an integer test value.
func Validate(ctx context.Context, set Set, registry ChainLister) error {
	if len(set) == 0 {
		return &ValidationError{Index: -1, Field: "conditions", Message: "at least one condition is required"}
	}
	supported, err := registry.ListSupportedChains(ctx)
	if err != nil {
		return fmt.Errorf("acc: list chains: %w", err)
	}
	known := make(map[string]struct{}, len(supported))
	for _, chain := range supported {
		known[chain.Identifier] = struct{}{}
	}

	for i, c := range set {
		if c.ContractAddress == "" {
			return &ValidationError{Index: i, Field: "contractAddress", Message: "is required"}
		}
		if !chains.IsAddress(c.ContractAddress) {
			return &ValidationError{Index: i, Field: "contractAddress", Message: fmt.Sprintf("%q is not a valid address", c.ContractAddress)}
		}
		if c.Chain == "" {
			return &ValidationError{Index: i, Field: "chain", Message: "is required"}
		}
		if _, ok := known[c.Chain]; !ok {
			return &ValidationError{Index: i, Field: "chain", Message: fmt.Sprintf("%q is not a supported chain", c.Chain)}
		}
		if c.StandardContractType != StandardERC721 {
			return &ValidationError{Index: i, Field: "standardContractType", Message: fmt.Sprintf("%q is not supported", c.StandardContractType)}
		}
		if !validComparator(c.ReturnValueTest.Comparator) {
			return &ValidationError{Index: i, Field: "returnValueTest.comparator", Message: fmt.Sprintf("%q is not supported", c.ReturnValueTest.Comparator)}
		}
		if _, ok := new(big.Int).SetString(c.ReturnValueTest.Value, 10); !ok {
			return &ValidationError{Index: i, Field: "returnValueTest.value", Message: fmt.Sprintf("%q is not an integer", c.ReturnValueTest.Value)}
		}
	}
	return nil
}

func validComparator(op string) bool {
	for _, candidate := range Comparators {
		if op == candidate {
			return true
		}
	}
	return false
}

// Compare applies a return value comparator. It is exported for condition
// evaluators running on the decryption network, not for client-side gating.
func Compare(comparator string, actual, expected *big.Int) (bool, error) {
	cmp := actual.Cmp(expected)
	switch comparator {
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	default:
		return false, fmt.Errorf("acc: unsupported comparator %q", comparator)
	}
}
