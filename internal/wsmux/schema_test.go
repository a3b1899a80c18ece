package wsmux

import "testing"

func TestValidateEnvelopeBytesAcceptsWellFormedEnvelope(t *testing.T) {
	if err := validateEnvelopeBytes([]byte(`{"type":"user_message","conversationId":"c1","content":"hi"}`)); err != nil {
		t.Fatalf("expected a well-formed envelope to validate, got %v", err)
	}
}

func TestValidateEnvelopeBytesRejectsMissingType(t *testing.T) {
	if err := validateEnvelopeBytes([]byte(`{"content":"hi"}`)); err == nil {
		t.Fatal("expected an envelope missing 'type' to fail validation")
	}
}

func TestValidateEnvelopeBytesRejectsUnknownTopLevelField(t *testing.T) {
	if err := validateEnvelopeBytes([]byte(`{"type":"ping","bogus":true}`)); err == nil {
		t.Fatal("expected an unrecognized top-level field to fail validation")
	}
}

func TestValidateEnvelopeBytesRejectsMalformedJSON(t *testing.T) {
	if err := validateEnvelopeBytes([]byte(`{not json`)); err == nil {
		t.Fatal("expected malformed JSON to fail validation")
	}
}
