package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestCBORCarriesChunkBytes(t *testing.T) {
	in := Frame{Type: TypeClipChunk, JobID: "job-1", Offset: 1024, Bytes: []byte{0, 1, 2, 0xff}}
	data, err := Encode(CBOR, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(CBOR, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.JobID != "job-1" || out.Offset != 1024 || string(out.Bytes) != string(in.Bytes) {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestJSONDetectionFields(t *testing.T) {
	raw := `{"type":"detection","cameraId":"cam-1","seq":10,"ts":"2026-01-01T00:00:00Z","objectClass":"person","confidence":0.92,"bbox":[1,2,3,4]}`
	f, err := Decode(JSON, []byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Confidence == nil || *f.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", f.Confidence)
	}
	if f.TS == nil || !f.TS.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected ts %v", f.TS)
	}
	if len(f.BBox) != 4 {
		t.Fatalf("expected bbox of 4, got %v", f.BBox)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode(JSON, []byte(`{"cameraId":"cam-1"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Decode(JSON, []byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Decode(CBOR, []byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestCBORPolicyParams(t *testing.T) {
	in := Frame{Type: TypePolicyUpdate, Version: 4, Params: map[string]any{"retentionDays": 30}}
	data, err := Encode(CBOR, in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(CBOR, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Version != 4 {
		t.Fatalf("expected version 4, got %d", out.Version)
	}
	if _, ok := out.Params["retentionDays"]; !ok {
		t.Fatalf("expected retentionDays param, got %v", out.Params)
	}
}
