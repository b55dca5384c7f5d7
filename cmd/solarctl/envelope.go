package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/solarbus/solarbus/pkg/api/v1"
)

// envelopeFile is the flat YAML form of an envelope accepted by send.
// Operators write routing and payload at the top level; the nested wire
// form stays an SDK concern.
type envelopeFile struct {
	ID        string                 `yaml:"id"`
	Schema    string                 `yaml:"schema"`
	Type      string                 `yaml:"type"`
	ProjectID string                 `yaml:"project_id"`
	From      string                 `yaml:"from"`
	To        string                 `yaml:"to"`
	ReplyTo   string                 `yaml:"reply_to"`
	HumanID   string                 `yaml:"human_id"`
	Text      string                 `yaml:"text"`
	Params    map[string]interface{} `yaml:"params"`
}

func loadEnvelopeFile(path string) (*v1.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading envelope file: %w", err)
	}
	var file envelopeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing envelope file %s: %w", path, err)
	}
	return file.envelope(), nil
}

func (f *envelopeFile) envelope() *v1.Envelope {
	return &v1.Envelope{
		ID:     f.ID,
		Schema: f.Schema,
		Type:   v1.EnvelopeType(f.Type),
		Routing: v1.Routing{
			ProjectID: f.ProjectID,
			From:      f.From,
			To:        f.To,
			ReplyTo:   f.ReplyTo,
		},
		Context: v1.Context{HumanID: f.HumanID},
		Payload: v1.Payload{Text: f.Text, Params: f.Params},
	}
}

// formatEnvelopeLine renders one envelope as a terminal line.
func formatEnvelopeLine(env *v1.Envelope) string {
	text := env.Payload.Text
	if len(text) > 60 {
		text = text[:60] + "..."
	}
	return fmt.Sprintf("[%s] seq %-4d %-12s %-10s %s to %s  %s",
		env.Timestamps.Created.Format("15:04:05"), env.Seq, env.Type,
		env.Status, env.Routing.From, env.Routing.To, text)
}
