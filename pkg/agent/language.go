package agent

import "strings"

// LanguageProfile binds a recognizer language code to a synthesizer
// voice for that language.
type LanguageProfile struct {
	STTLanguage string
	VoiceID     string
}

// Profiles maps language keys from the call's start parameters to
// provider settings.
type Profiles map[string]LanguageProfile

// DefaultProfiles covers the launch languages. Voice ids can be
// overridden per deployment through configuration.
func DefaultProfiles() Profiles {
	return Profiles{
		"en": {STTLanguage: "en", VoiceID: "794f9389-aac1-45b6-b726-9d9369183238"},
		"hi": {STTLanguage: "hi", VoiceID: "c1abd502-9231-4558-a054-10ac950c356d"},
	}
}

// Resolve returns the profile for lang, falling back to English for
// unknown or empty values.
func (p Profiles) Resolve(lang string) LanguageProfile {
	key := strings.ToLower(strings.TrimSpace(lang))
	if prof, ok := p[key]; ok {
		return prof
	}
	if prof, ok := p["en"]; ok {
		return prof
	}
	return LanguageProfile{STTLanguage: "en"}
}
