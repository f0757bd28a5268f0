package bot

import (
	"fmt"
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// BuildPrompt turns a mention into the request handed to the generation backend. Every tag of
// the bot's own handle is removed so the agent does not act on the bot account itself.
func BuildPrompt(author, text, botUsername string) string {
	if botUsername = strings.TrimPrefix(botUsername, "@"); botUsername != "" {
		tag := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(botUsername) + `\b`)
		text = tag.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	return fmt.Sprintf("Tweet author: @%s\nTweet: %s\n\nGenerate a meme for this tweet. When the tweet says \"me\" or \"my\", it refers to @%s.", author, text, author)
}
