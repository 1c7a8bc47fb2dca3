package irc

import "mvdan.cc/xurls/v2"

var linkRegexp = xurls.Relaxed()

// ExtractLinks returns the URLs found in a message's content, for
// observers that want to surface links separately from plain text (e.g. a
// "links" pane).
func ExtractLinks(content string) []string {
	return linkRegexp.FindAllString(content, -1)
}
