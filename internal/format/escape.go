package format

import "strings"

// Escaping rules follow the Telegram Bot API parse-mode specs:
// https://core.telegram.org/bots/api#markdownv2-style

var markdownV2Replacer = strings.NewReplacer(
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`,
	"(", `\(`, ")", `\)`, "~", `\~`, "`", "\\`",
	">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`,
	".", `\.`, "!", `\!`,
)

var markdownReplacer = strings.NewReplacer(
	"_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`,
)

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;",
)

// EscapeMarkdownV2 escapes all MarkdownV2 special characters.
func EscapeMarkdownV2(text string) string { return markdownV2Replacer.Replace(text) }

// EscapeMarkdown escapes the legacy Markdown special characters.
func EscapeMarkdown(text string) string { return markdownReplacer.Replace(text) }

// EscapeHTML escapes &, < and > for Telegram's HTML parse mode.
func EscapeHTML(text string) string { return htmlReplacer.Replace(text) }

// Sanitize escapes text for the given parse mode. An empty or unknown parse
// mode means plain text and returns the input unchanged.
func Sanitize(text, parseMode string) string {
	switch parseMode {
	case "MarkdownV2":
		return EscapeMarkdownV2(text)
	case "Markdown":
		return EscapeMarkdown(text)
	case "HTML":
		return EscapeHTML(text)
	default:
		return text
	}
}
