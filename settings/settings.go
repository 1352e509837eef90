// Package settings provides server-side chat settings management.
package settings

import "fmt"

type Settings struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxMessages int     `json:"max_messages"`
}

func Default() Settings {
	return Settings{
		Provider:    "openai",
		Model:       "",
		Temperature: 0.7,
		MaxMessages: 100,
	}
}

func (s Settings) Validate() error {
	if s.Provider != "openai" {
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", s.Temperature)
	}
	if s.MaxMessages <= 0 {
		return fmt.Errorf("max_messages must be positive, got %d", s.MaxMessages)
	}
	return nil
}
