package telegram

import (
	"html"
	"unicode/utf8"
)

// Helpers for Telegram's HTML parse mode. Every helper escapes its input.

func esc(s string) string { return html.EscapeString(s) }

func wrap(tag, s string) string { return "<" + tag + ">" + esc(s) + "</" + tag + ">" }

func bold(s string) string   { return wrap("b", s) }
func italic(s string) string { return wrap("i", s) }
func code(s string) string   { return wrap("code", s) }
func pre(s string) string    { return "<pre>" + esc(s) + "</pre>" }

// truncRunes cuts s to at most n runes and appends "…" when it had to cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count, cut := 0, 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}
