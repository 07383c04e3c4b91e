// Package format resolves the raw audio encoding and sample rate the channel
// expects for streamed files.
package format

import (
	"strings"

	"github.com/charmbracelet/log"
)

// Spec describes the negotiated channel audio format. Tag doubles as the
// file extension for cached and temporary audio files; consumers know the
// encoding from the tag out of band, the files carry no header.
type Spec struct {
	Tag  string
	Rate int
}

// Default is the fallback when neither the explicit rate nor the channel's
// native format resolves to a supported spec.
var Default = Spec{Tag: "default", Rate: 8000}

// supported maps each discrete explicit sample rate to its spec.
var supported = map[int]Spec{
	12000: {Tag: "12k", Rate: 12000},
	16000: {Tag: "16k", Rate: 16000},
	32000: {Tag: "32k", Rate: 32000},
	44100: {Tag: "44k", Rate: 44100},
	48000: {Tag: "48k", Rate: 48000},
}

// nativeRule maps a set of substrings of the channel's native format name to
// a spec. Rules are checked in order, first match wins.
type nativeRule struct {
	patterns []string
	spec     Spec
}

var nativeRules = []nativeRule{
	{[]string{"silk12", "sln12"}, supported[12000]},
	{[]string{"speex16", "slin16", "silk16", "g722", "siren7"}, supported[16000]},
	{[]string{"speex32", "slin32", "celt32", "siren14"}, supported[32000]},
	{[]string{"celt44", "slin44"}, supported[44100]},
	{[]string{"celt48", "slin48"}, supported[48000]},
}

// VariableGetter reads a channel variable. Satisfied by *agi.Conn.
type VariableGetter interface {
	GetFullVariable(name string) (string, error)
}

// Negotiate resolves the session's audio format exactly once.
//
// When explicitRate is non-zero it must be one of the supported discrete
// rates; any other value falls back to Default. When it is zero the
// channel's native format is queried and matched against the fixed rule
// table, again falling back to Default when nothing matches.
func Negotiate(explicitRate int, v VariableGetter) (Spec, error) {
	if explicitRate != 0 {
		if spec, ok := supported[explicitRate]; ok {
			return spec, nil
		}
		log.Warn("Unsupported explicit sample rate, using default", "rate", explicitRate)
		return Default, nil
	}

	native, err := v.GetFullVariable("audionativeformat")
	if err != nil {
		return Spec{}, err
	}
	return FromNative(native), nil
}

// FromNative maps a channel-native codec name to a spec via the fixed,
// ordered rule table.
func FromNative(native string) Spec {
	native = strings.ToLower(native)
	for _, rule := range nativeRules {
		for _, p := range rule.patterns {
			if strings.Contains(native, p) {
				return rule.spec
			}
		}
	}
	return Default
}
