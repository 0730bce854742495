package intake

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// defaultPromptKey is the registry entry used for alerts without their own.
const defaultPromptKey = "default"

const genericPrompt = `Investigate the alert {{ .alertname }} ({{ .status }}).
Labels: {{ range $k, $v := .labels }}{{ $k }}={{ $v }} {{ end }}
{{- with .annotations }}
Annotations: {{ range $k, $v := . }}{{ $k }}={{ $v }} {{ end }}
{{- end }}
Use the available read-only diagnostic tools to find the root cause, then report it.`

type promptsFile struct {
	AlertPrompts map[string]promptEntry `yaml:"alert_prompts"`
}

type promptEntry struct {
	MCPServers []string `yaml:"mcp_servers"`
	Prompt     string   `yaml:"prompt"`
}

// PromptConfig is a parsed registry entry.
type PromptConfig struct {
	Alert     string
	Providers []string
	tmpl      *template.Template
}

// PromptRegistry maps alert names to investigation prompts and the providers
// offered to the run.
type PromptRegistry struct {
	entries map[string]*PromptConfig
	generic *template.Template
}

// LoadPrompts builds the registry from an optional YAML file and optional
// inline YAML. Inline entries override file entries with the same name.
func LoadPrompts(file, inline string, logger *zap.Logger) (*PromptRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &PromptRegistry{
		entries: make(map[string]*PromptConfig),
		generic: template.Must(template.New("generic").Option("missingkey=zero").Parse(genericPrompt)),
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read prompts file: %w", err)
		}
		if err := r.add(data, logger); err != nil {
			return nil, fmt.Errorf("prompts file %s: %w", file, err)
		}
	}
	if strings.TrimSpace(inline) != "" {
		if err := r.add([]byte(inline), logger); err != nil {
			return nil, fmt.Errorf("inline prompts: %w", err)
		}
	}
	logger.Info("alert prompts loaded", zap.Int("entries", len(r.entries)))
	return r, nil
}

func (r *PromptRegistry) add(data []byte, logger *zap.Logger) error {
	var doc promptsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	for name, entry := range doc.AlertPrompts {
		if len(entry.MCPServers) == 0 || strings.TrimSpace(entry.Prompt) == "" {
			logger.Warn("skipping alert prompt without servers or prompt", zap.String("alert", name))
			continue
		}
		tmpl, err := template.New(name).Option("missingkey=zero").Parse(entry.Prompt)
		if err != nil {
			logger.Warn("skipping alert prompt with invalid template",
				zap.String("alert", name), zap.Error(err))
			continue
		}
		r.entries[name] = &PromptConfig{Alert: name, Providers: entry.MCPServers, tmpl: tmpl}
	}
	return nil
}

// Lookup returns the entry for an alert, falling back to the default entry.
func (r *PromptRegistry) Lookup(alert string) (*PromptConfig, bool) {
	if r == nil {
		return nil, false
	}
	if c, ok := r.entries[alert]; ok {
		return c, true
	}
	c, ok := r.entries[defaultPromptKey]
	return c, ok
}

// Alerts lists the configured alert names.
func (r *PromptRegistry) Alerts() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render produces the investigation prompt and the provider allow-list for an
// incident. A nil provider list means every provider is offered.
func (r *PromptRegistry) Render(inc *models.Incident) (string, []string, error) {
	if r == nil {
		r = &PromptRegistry{}
	}
	tmpl := r.generic
	if tmpl == nil {
		tmpl = template.Must(template.New("generic").Option("missingkey=zero").Parse(genericPrompt))
	}
	var providers []string
	if c, ok := r.Lookup(inc.Name); ok {
		tmpl = c.tmpl
		providers = append([]string(nil), c.Providers...)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData(inc)); err != nil {
		return "", nil, fmt.Errorf("render prompt for %s: %w", inc.Name, err)
	}
	return strings.TrimSpace(buf.String()), providers, nil
}

func templateData(inc *models.Incident) map[string]any {
	endsAt := ""
	if inc.EndsAt != nil {
		endsAt = inc.EndsAt.Format(time.RFC3339)
	}
	labels := inc.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	annotations := inc.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}
	return map[string]any{
		"alertname":     inc.Name,
		"name":          inc.Name,
		"status":        string(inc.Status),
		"labels":        labels,
		"annotations":   annotations,
		"starts_at":     inc.StartsAt.Format(time.RFC3339),
		"ends_at":       endsAt,
		"fingerprint":   inc.Fingerprint,
		"generator_url": inc.GeneratorURL,
	}
}
