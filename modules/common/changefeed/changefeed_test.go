package changefeed

import "testing"

func TestDecode(t *testing.T) {
	payload := `{"type":"UPDATE","table":"model_quotas",
		"record":{"provider_name":"vision-atlas","model_name":"flux","quota_used":3,"quota_limit":10,"enabled":true},
		"old_record":{"id":7}}`

	ev, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Type != Update || ev.Table != "model_quotas" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.String("provider_name") != "vision-atlas" {
		t.Fatalf("provider_name = %q", ev.String("provider_name"))
	}
	if ev.String("id") != "7" {
		t.Fatalf("id from old_record = %q", ev.String("id"))
	}
}

func TestDecodeRejectsUntyped(t *testing.T) {
	if _, err := Decode([]byte(`{"table":"x"}`)); err == nil {
		t.Fatalf("expected error for event without type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for bad json")
	}
}
