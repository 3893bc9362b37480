package ingest

import "testing"

func TestDecodeOccurrenceEnvelope(t *testing.T) {
	payload := []byte(`{"kind":"occurrence","occurrence":{"source_type":"OVERSPEED","driver_id":"D1","driver_name":"Asha","metadata":{"speed":120}}}`)
	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindOccurrence || env.Occurrence.SourceType != "OVERSPEED" || env.Occurrence.DriverID != "D1" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestDecodeEventEnvelope(t *testing.T) {
	payload := []byte(`{"kind":"event","driver_id":"D1","event_type":"DOCUMENT_RENEWAL"}`)
	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindEvent || env.EventType != "DOCUMENT_RENEWAL" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestDecodeEnvelopeRejectsBadInput(t *testing.T) {
	cases := []string{
		`{"kind":"occurrence"}`,
		`{"kind":"occurrence","occurrence":{"driver_id":"D1"}}`,
		`{"kind":"event","driver_id":"D1"}`,
		`{"kind":"mystery"}`,
		`not json`,
	}
	for _, c := range cases {
		if _, err := DecodeEnvelope([]byte(c)); err == nil {
			t.Fatalf("expected error for %s", c)
		}
	}
}
