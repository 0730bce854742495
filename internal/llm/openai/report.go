package openai

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

type jsonEvidence struct {
	Index int    `json:"index"`
	Tool  string `json:"tool"`
	Note  string `json:"note"`
}

type jsonReport struct {
	Summary         string         `json:"summary"`
	RootCause       string         `json:"root_cause"`
	Confidence      string         `json:"confidence"`
	Evidence        []jsonEvidence `json:"evidence"`
	Recommendations []string       `json:"recommendations"`
}

// ParseReport extracts the concluding report from a model reply. Replies
// without a usable JSON object become a low-confidence report carrying the
// raw text as the summary.
func ParseReport(content string) *models.Report {
	if block, ok := extractJSONBlock(content); ok {
		var jr jsonReport
		if err := json.Unmarshal([]byte(block), &jr); err == nil && strings.TrimSpace(jr.Summary) != "" {
			rep := &models.Report{
				Summary:         strings.TrimSpace(jr.Summary),
				RootCause:       strings.TrimSpace(jr.RootCause),
				Confidence:      models.Confidence(strings.ToLower(strings.TrimSpace(jr.Confidence))),
				Recommendations: jr.Recommendations,
			}
			for _, ev := range jr.Evidence {
				rep.Evidence = append(rep.Evidence, models.EvidenceRef{Index: ev.Index, ToolName: ev.Tool, Note: ev.Note})
			}
			return rep
		}
	}
	return &models.Report{
		Summary:    content,
		Confidence: models.ConfidenceLow,
	}
}

// extractJSONBlock returns the outermost JSON object in a reply, with or
// without markdown code fences.
func extractJSONBlock(response string) (string, bool) {
	stripped := response
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			stripped = stripped[idx+len(fence):]
			if end := strings.Index(stripped, "```"); end != -1 {
				stripped = stripped[:end]
			}
			break
		}
	}

	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start != -1 && end != -1 && end > start {
		return stripped[start : end+1], true
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
