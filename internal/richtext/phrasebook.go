package richtext

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLocale is used when a phrase is missing in the requested locale.
const DefaultLocale = "en"

//go:embed phrases.yaml
var defaultPhrases []byte

// Phrasebook holds localized phrases keyed by locale, then phrase key.
// Templates use {name} placeholders.
type Phrasebook struct {
	locales map[string]map[string]string
}

// LoadPhrasebook returns the built-in phrases, overlaid with the YAML file
// at overridePath when it is non-empty.
func LoadPhrasebook(overridePath string) (*Phrasebook, error) {
	pb, err := ParsePhrasebook(defaultPhrases)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in phrases: %w", err)
	}
	if overridePath == "" {
		return pb, nil
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read phrasebook: %w", err)
	}
	override, err := ParsePhrasebook(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse phrasebook %s: %w", overridePath, err)
	}
	for locale, phrases := range override.locales {
		if pb.locales[locale] == nil {
			pb.locales[locale] = map[string]string{}
		}
		for key, text := range phrases {
			pb.locales[locale][key] = text
		}
	}
	return pb, nil
}

// ParsePhrasebook decodes a YAML document of the form
// locale: {key: template}.
func ParsePhrasebook(data []byte) (*Phrasebook, error) {
	locales := map[string]map[string]string{}
	if err := yaml.Unmarshal(data, &locales); err != nil {
		return nil, err
	}
	return &Phrasebook{locales: locales}, nil
}

// Phrase returns the template for key in locale, falling back to the
// default locale and finally to the key itself, with vars substituted.
func (p *Phrasebook) Phrase(locale, key string, vars map[string]string) string {
	text, ok := p.lookup(locale, key)
	if !ok {
		text, ok = p.lookup(DefaultLocale, key)
	}
	if !ok {
		text = key
	}
	for name, value := range vars {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}

func (p *Phrasebook) lookup(locale, key string) (string, bool) {
	if p == nil {
		return "", false
	}
	phrases, ok := p.locales[locale]
	if !ok {
		// "de-AT" falls back to "de"
		if base, _, found := strings.Cut(locale, "-"); found {
			phrases, ok = p.locales[base]
		}
	}
	if !ok {
		return "", false
	}
	text, ok := phrases[key]
	return text, ok
}

// JoinNames lists names as "A", "A and B" or "A, B and C".
func (p *Phrasebook) JoinNames(locale string, names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	}
	and := p.Phrase(locale, "and", nil)
	head := strings.Join(names[:len(names)-1], ", ")
	return head + " " + and + " " + names[len(names)-1]
}
