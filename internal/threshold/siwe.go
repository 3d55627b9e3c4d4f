package threshold

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spruceid/siwe-go"

	"zuzalu/api/internal/ability"
	"zuzalu/api/internal/chains"
)

const (
	recapPrefix   = "urn:recap:"
	sessionPrefix = "lit:session:"
)

// SignInMessage is the EIP-4361 message a wallet signs to open a session. The
// requested abilities travel as a ReCap resource.
type SignInMessage struct {
	Domain         string
	Address        string
	URI            string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
	Requests       []ability.Request
}

// Text renders the message exactly as the wallet signs it.
func (m SignInMessage) Text() (string, error) {
	recapURI, err := url.Parse(EncodeRecap(m.Requests))
	if err != nil {
		return "", fmt.Errorf("siwe: recap resource: %w", err)
	}
	options := map[string]interface{}{
		"statement": sessionStatement(m.Requests),
		"chainId":   int(m.ChainID),
		"issuedAt":  m.IssuedAt.UTC().Format(time.RFC3339),
		"resources": []url.URL{*recapURI},
	}
	if !m.ExpirationTime.IsZero() {
		options["expirationTime"] = m.ExpirationTime.UTC().Format(time.RFC3339)
	}
	msg, err := siwe.InitMessage(m.Domain, chains.ChecksumAddress(m.Address), m.URI, m.Nonce, options)
	if err != nil {
		return "", fmt.Errorf("siwe: %w", err)
	}
	return msg.String(), nil
}

// ParseSignIn parses a signed sign-in message and decodes its ReCap abilities.
func ParseSignIn(text string) (SignInMessage, error) {
	msg, err := siwe.ParseMessage(text)
	if err != nil {
		return SignInMessage{}, fmt.Errorf("siwe: %w", err)
	}
	uri := msg.GetURI()
	out := SignInMessage{
		Domain:  msg.GetDomain(),
		Address: msg.GetAddress().Hex(),
		URI:     uri.String(),
		ChainID: int64(msg.GetChainID()),
		Nonce:   msg.GetNonce(),
	}
	if out.IssuedAt, err = time.Parse(time.RFC3339, msg.GetIssuedAt()); err != nil {
		return SignInMessage{}, fmt.Errorf("siwe: issued at: %w", err)
	}
	if exp := msg.GetExpirationTime(); exp != nil {
		if out.ExpirationTime, err = time.Parse(time.RFC3339, *exp); err != nil {
			return SignInMessage{}, fmt.Errorf("siwe: expiration time: %w", err)
		}
	}
	for _, resource := range msg.GetResources() {
		s := resource.String()
		if !strings.HasPrefix(s, recapPrefix) {
			continue
		}
		reqs, err := DecodeRecap(s)
		if err != nil {
			return SignInMessage{}, err
		}
		out.Requests = append(out.Requests, reqs...)
	}
	return out, nil
}

type recap struct {
	Att map[string]map[string][]any `json:"att"`
	Prf []string                    `json:"prf"`
}

// EncodeRecap renders ability requests as a ReCap URN.
func EncodeRecap(reqs []ability.Request) string {
	r := recap{Att: map[string]map[string][]any{}, Prf: []string{}}
	for _, req := range reqs {
		uri := string(req.Resource) + "://" + req.Key
		if r.Att[uri] == nil {
			r.Att[uri] = map[string][]any{}
		}
		r.Att[uri][string(req.Ability)] = []any{map[string]any{}}
	}
	data, _ := json.Marshal(r)
	return recapPrefix + base64.RawURLEncoding.EncodeToString(data)
}

// DecodeRecap parses a ReCap URN produced by EncodeRecap.
func DecodeRecap(urn string) ([]ability.Request, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(urn, recapPrefix))
	if err != nil {
		return nil, fmt.Errorf("recap: %w", err)
	}
	var r recap
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("recap: %w", err)
	}
	var out []ability.Request
	for uri, abilities := range r.Att {
		resource, key, ok := strings.Cut(uri, "://")
		if !ok {
			return nil, fmt.Errorf("recap: malformed resource %q", uri)
		}
		for name := range abilities {
			out = append(out, ability.Request{Resource: ability.Resource(resource), Key: key, Ability: ability.Ability(name)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func sessionStatement(reqs []ability.Request) string {
	parts := make([]string, 0, len(reqs))
	for i, req := range reqs {
		parts = append(parts, fmt.Sprintf("(%d) '%s' for '%s://%s'", i+1, req.Ability, req.Resource, req.Key))
	}
	return "I further authorize the stated URI to perform the following actions on my behalf: " + strings.Join(parts, ", ") + "."
}
