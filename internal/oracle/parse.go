package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"rollcall/internal/model"
)

// detectionDoc mirrors the loose shape the oracle emits. Ids show up under
// "id" or "studentId" and are sometimes numbers; confidence is optional.
type detectionDoc struct {
	ID         json.RawMessage `json:"id"`
	StudentID  json.RawMessage `json:"studentId"`
	Name       string          `json:"name"`
	Confidence float64         `json:"confidence"`
}

type identifyDoc struct {
	DetectedStudents []detectionDoc `json:"detectedStudents"`
}

// ParseDetections extracts candidate detections from a semi-structured
// oracle response. The payload may be bare JSON, a fenced code block, or
// JSON embedded in explanatory text. Malformed individual entries are
// skipped; a response with no recoverable JSON object fails the whole call.
func ParseDetections(raw []byte) ([]model.RecognitionCandidate, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrRecognition)
	}

	payload := extractJSON(text)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrRecognition)
	}

	var doc identifyDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRecognition, err)
	}

	out := make([]model.RecognitionCandidate, 0, len(doc.DetectedStudents))
	for _, d := range doc.DetectedStudents {
		id := rawString(d.ID)
		if id == "" {
			id = rawString(d.StudentID)
		}
		if id == "" && d.Name == "" {
			// Nothing to resolve against; drop the entry.
			continue
		}
		out = append(out, model.RecognitionCandidate{
			RawID:      id,
			RawName:    d.Name,
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

// extractJSON pulls the first JSON object out of a response that may wrap it
// in markdown fences or prose.
func extractJSON(text string) string {
	if fenced := betweenFences(text, "```json"); fenced != "" {
		return fenced
	}
	if fenced := betweenFences(text, "```"); fenced != "" {
		return fenced
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func betweenFences(text, open string) string {
	start := strings.Index(text, open)
	if start < 0 {
		return ""
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	inner := strings.TrimSpace(rest[:end])
	if !strings.HasPrefix(inner, "{") && !strings.HasPrefix(inner, "[") {
		return ""
	}
	return inner
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
