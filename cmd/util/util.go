// Package util holds shared helpers for the ep-engine command-line tools:
// help-text wrapping and the viper/godotenv environment bootstrap shared by
// every subcommand, grounded on the teacher's own cmd/util/util.go.
package util

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Wrap is the number of characters to wrap flag help text at.
const Wrap int = 60

// WrapString wraps text at Wrap characters, matching the teacher's own
// cmd/util/util.go helper used for cobra flag usage strings.
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// InitEnv loads .env/.env.local and wires viper to read <ENVPREFIX>_<FLAG>
// environment variables (EPENGINE_<FLAG> for the "epengine" prefix the
// commands pass), mirroring the teacher's own initConfig.
func InitEnv(envPrefix string) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
