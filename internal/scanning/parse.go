package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// transcription is the JSON document the LLM engines are prompted to return
type transcription struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// parseTranscriptionJSON parses the JSON response of an LLM engine
func parseTranscriptionJSON(text string) (string, float64, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", 0, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", 0, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data transcription
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return "", 0, fmt.Errorf("unmarshaling json: %w", err)
	}

	recognized := normalizeText(data.Text)

	// Models occasionally forget the score; fall back to the text heuristic
	var confidence float64
	if data.Confidence != nil {
		confidence = *data.Confidence
		// some models answer in percent
		if confidence > 1 && confidence <= 100 {
			confidence /= 100
		}
	} else {
		confidence = heuristicConfidence(recognized)
	}

	return recognized, clampConfidence(confidence), nil
}
