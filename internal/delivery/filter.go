package delivery

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const DefaultMinVisibleChars = 10

var (
	boxDrawing   = strings.NewReplacer("─", "", "│", "", "┌", "", "┐", "", "└", "", "┘", "", "╭", "", "╮", "", "╰", "", "╯", "")
	spinnerRunes = "✽✻✶·✢❖✦✧✹"
	promptLead   = "❯"
)

// Filter separates forwardable output from terminal UI redraw noise.
// It holds no mutable state and is safe to share.
type Filter struct {
	noise      []string
	minVisible int
}

func NewFilter(noiseTokens []string, minVisible int) Filter {
	if minVisible <= 0 {
		minVisible = DefaultMinVisibleChars
	}
	noise := make([]string, 0, len(noiseTokens))
	for _, tok := range noiseTokens {
		if tok != "" {
			noise = append(noise, tok)
		}
	}
	return Filter{noise: noise, minVisible: minVisible}
}

// Accept reports whether a flushed chunk carries content worth delivering.
func (f Filter) Accept(text string) bool {
	plain := ansi.Strip(text)
	for _, tok := range f.noise {
		if strings.Contains(text, tok) || strings.Contains(plain, tok) {
			return false
		}
	}

	visible := strings.TrimSpace(boxDrawing.Replace(plain))
	if visible == "" || visible == ")" {
		return false
	}
	if r, _ := utf8.DecodeRuneInString(visible); strings.ContainsRune(spinnerRunes, r) {
		return false
	}
	if strings.HasPrefix(visible, promptLead) {
		return false
	}
	return utf8.RuneCountInString(visible) >= f.minVisible
}
