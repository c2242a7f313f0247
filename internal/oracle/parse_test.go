package oracle

import (
	"errors"
	"testing"
)

func TestParseDetectionsBareJSON(t *testing.T) {
	raw := []byte(`{"detectedStudents":[{"id":"S001","name":"Alice","confidence":0.95}]}`)
	cands, err := ParseDetections(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].RawID != "S001" || cands[0].RawName != "Alice" || cands[0].Confidence != 0.95 {
		t.Fatalf("unexpected candidate: %+v", cands[0])
	}
}

func TestParseDetectionsFencedResponse(t *testing.T) {
	raw := []byte("Here are the students I identified:\n```json\n{\"detectedStudents\":[{\"studentId\":\"S002\",\"name\":\"Bob\",\"confidence\":0.8}]}\n```\nLet me know if you need more detail.")
	cands, err := ParseDetections(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(cands) != 1 || cands[0].RawID != "S002" {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
}

func TestParseDetectionsEmbeddedObject(t *testing.T) {
	raw := []byte(`Sure! {"detectedStudents":[{"id":7,"name":"Carol"}]} hope that helps`)
	cands, err := ParseDetections(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(cands) != 1 || cands[0].RawID != "7" {
		t.Fatalf("expected numeric id coerced to string, got %+v", cands)
	}
}

func TestParseDetectionsSkipsMalformedEntries(t *testing.T) {
	raw := []byte(`{"detectedStudents":[{"confidence":0.9},{"id":"S001","name":"Alice","confidence":0.9}]}`)
	cands, err := ParseDetections(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(cands) != 1 || cands[0].RawID != "S001" {
		t.Fatalf("expected one usable entry, got %+v", cands)
	}
}

func TestParseDetectionsNoDetectedStudents(t *testing.T) {
	cands, err := ParseDetections([]byte(`{"faces": 3}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates, got %+v", cands)
	}
}

func TestParseDetectionsUnparseable(t *testing.T) {
	for _, raw := range []string{"", "I could not identify anyone in this photo."} {
		if _, err := ParseDetections([]byte(raw)); !errors.Is(err, ErrRecognition) {
			t.Fatalf("expected ErrRecognition for %q, got %v", raw, err)
		}
	}
}
