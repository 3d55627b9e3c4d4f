package threshold

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"zuzalu/api/internal/ability"
)

func TestSignInRoundTrip(t *testing.T) {
	msg := SignInMessage{
		Domain:         "zuzalu.city",
		Address:        testAddress,
		URI:            "lit:session:abc",
		ChainID:        1,
		Nonce:          "0xfeedfacecafebeef",
		IssuedAt:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ExpirationTime: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
		Requests:       []ability.Request{ability.DecryptAny()},
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}
	if !strings.HasPrefix(text, "zuzalu.city wants you to sign in with your Ethereum account:\n"+testAddress+"\n\n") {
		t.Fatalf("unexpected header:\n%s", text)
	}
	if !strings.Contains(text, "\nResources:\n- "+recapPrefix) {
		t.Fatalf("recap resource missing:\n%s", text)
	}

	parsed, err := ParseSignIn(text)
	if err != nil {
		t.Fatalf("ParseSignIn() error = %v", err)
	}
	if !reflect.DeepEqual(parsed, msg) {
		t.Fatalf("round trip mismatch\n got: %+v\nwant: %+v", parsed, msg)
	}
}

func TestSignInChecksumsAddress(t *testing.T) {
	msg := SignInMessage{
		Domain:   "zuzalu.city",
		Address:  strings.ToLower(testAddress),
		URI:      "lit:session:abc",
		ChainID:  1,
		Nonce:    "0xfeedfacecafebeef",
		IssuedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Requests: []ability.Request{ability.DecryptAny()},
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}
	parsed, err := ParseSignIn(text)
	if err != nil {
		t.Fatalf("ParseSignIn() error = %v", err)
	}
	if parsed.Address != testAddress || !parsed.ExpirationTime.IsZero() {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseSignInRejectsGarbage(t *testing.T) {
	for _, input := range []string{
		"",
		"hello\nworld\n",
		"x wants you to sign in with your Ethereum account:\n0xabc\n\nURI: u\nBogus: 1",
		"x wants you to sign in with your Ethereum account:\n0xabc\n\nVersion: 1\nIssued At: 2024-05-01T12:00:00Z",
	} {
		if _, err := ParseSignIn(input); err == nil {
			t.Fatalf("ParseSignIn(%q) unexpectedly succeeded", input)
		}
	}
}

func TestRecapRoundTrip(t *testing.T) {
	reqs := []ability.Request{
		ability.DecryptAny(),
		{Resource: ability.ResourceAccessControlCondition, Key: "abc", Ability: ability.AbilityDecryption},
	}
	got, err := DecodeRecap(EncodeRecap(reqs))
	if err != nil {
		t.Fatalf("DecodeRecap() error = %v", err)
	}
	if len(got) != 2 || !ability.Can(got, ability.ResourceAccessControlCondition, "abc", ability.AbilityDecryption) {
		t.Fatalf("DecodeRecap() = %+v", got)
	}
	if _, err := DecodeRecap(recapPrefix + "!!"); err == nil {
		t.Fatal("expected malformed recap error")
	}
}
