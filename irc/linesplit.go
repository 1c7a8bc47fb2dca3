package irc

import "unicode/utf8"

// SplitChunks breaks content into chunks no longer than chunkLen bytes,
// never splitting inside a UTF-8 rune. Senders use it to fragment a long
// PRIVMSG or NOTICE body across several messages that each fit the line
// limit.
func SplitChunks(content string, chunkLen int) []string {
	if chunkLen <= 0 {
		return []string{content}
	}
	var chunks []string
	for chunkLen < len(content) {
		i := chunkLen
		min := chunkLen - utf8.UTFMax
		for min <= i && !utf8.RuneStart(content[i]) {
			i--
		}
		chunks = append(chunks, content[:i])
		content = content[i:]
	}
	if len(content) != 0 {
		chunks = append(chunks, content)
	}
	return chunks
}
