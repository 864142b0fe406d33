// Package bot turns a user utterance into the bot's spoken reply: text from
// the generator, audio from the synthesizers, normalized for the wire.
package bot

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultGreeting = "¡Hola! Mi nombre es Mia, soy tu asistente virtual. ¿En qué puedo ayudarte hoy?"
	ApologyText     = "Disculpa, estoy teniendo dificultades técnicas. ¿Podrías intentarlo de nuevo?"

	defaultSystemPrompt = "Eres Mia, una asistente virtual telefónica. Responde en español, " +
		"con frases cortas y naturales, sin listas ni formato."
)

var ErrUnknownBot = errors.New("unknown bot")

// Profile is one configured bot persona.
type Profile struct {
	Name         string `mapstructure:"name"`
	Greeting     string `mapstructure:"greeting"`
	SystemPrompt string `mapstructure:"system_prompt"`
	// Voice overrides the primary synthesizer's default voice.
	Voice    string  `mapstructure:"voice"`
	Language string  `mapstructure:"language"`
	Speed    float64 `mapstructure:"speed"`
}

func DefaultProfile() Profile {
	return Profile{
		Name:         "mia",
		Greeting:     DefaultGreeting,
		SystemPrompt: defaultSystemPrompt,
		Language:     "es-ES",
	}
}

// Catalog resolves bot profiles by name.
type Catalog struct {
	profiles    map[string]Profile
	defaultName string
}

// NewCatalog indexes profiles by lower-cased name. An empty list yields the
// built-in profile; an empty defaultName picks the first profile.
func NewCatalog(profiles []Profile, defaultName string) (*Catalog, error) {
	if len(profiles) == 0 {
		profiles = []Profile{DefaultProfile()}
	}
	c := &Catalog{profiles: make(map[string]Profile, len(profiles))}
	for i, p := range profiles {
		key := normalizeName(p.Name)
		if key == "" {
			return nil, fmt.Errorf("bot profile %d has no name", i)
		}
		if _, dup := c.profiles[key]; dup {
			return nil, fmt.Errorf("duplicate bot profile %q", p.Name)
		}
		c.profiles[key] = p.withDefaults()
		if i == 0 && defaultName == "" {
			defaultName = key
		}
	}
	c.defaultName = normalizeName(defaultName)
	if _, ok := c.profiles[c.defaultName]; !ok {
		return nil, fmt.Errorf("default bot %q is not a configured profile", defaultName)
	}
	return c, nil
}

// Resolve returns the named profile, or the default one for an empty name.
func (c *Catalog) Resolve(name string) (Profile, error) {
	key := normalizeName(name)
	if key == "" {
		key = c.defaultName
	}
	p, ok := c.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownBot, name)
	}
	return p, nil
}

func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.Greeting == "" {
		p.Greeting = d.Greeting
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = d.SystemPrompt
	}
	if p.Language == "" {
		p.Language = d.Language
	}
	return p
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
