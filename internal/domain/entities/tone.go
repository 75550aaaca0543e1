package entities

// Tone selects a prompt prefix that steers the register of responses
type Tone string

const (
	ToneDefault  Tone = "default"
	ToneTeacher  Tone = "teacher"
	ToneSimple   Tone = "simple"
	ToneDetailed Tone = "detailed"
)

// tonePrompts maps each tone to the system prefix prepended to the
// outbound context. The default tone adds nothing.
var tonePrompts = map[Tone]string{
	ToneDefault:  "",
	ToneTeacher:  "Answer like a patient teacher: ",
	ToneSimple:   "Explain very simply, as if to a ten year old: ",
	ToneDetailed: "Provide a detailed, in-depth explanation: ",
}

// Prompt returns the prefix for the tone, empty for unknown tones
func (t Tone) Prompt() string {
	return tonePrompts[t]
}

// IsValid reports whether the tone is one of the known tones
func (t Tone) IsValid() bool {
	_, ok := tonePrompts[t]
	return ok
}

// Tones lists the available tones in display order
func Tones() []Tone {
	return []Tone{ToneDefault, ToneTeacher, ToneSimple, ToneDetailed}
}
