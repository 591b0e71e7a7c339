// Package extract pulls resource identifiers out of listing page HTML.
//
// The patterns here are inherently coupled to the source site's markup and
// CDN URL shapes. The rest of the harvester consumes extraction only through
// the Func type, so this package can be swapped out without touching the
// walker or retry logic when the site changes.
package extract

import (
	"regexp"
	"strings"
)

// Func is the extraction collaborator interface: given a listing page body
// and the category it was fetched for, return ruid -> extension. The
// extension is best-effort and may be empty.
type Func func(html string, category int) map[string]string

// audioclipCategory selects the embedded-path extraction strategy.
const audioclipCategory = 1

var (
	// Live CDN URLs inside the listing (images and video).
	listingRe = regexp.MustCompile(
		`(?i)mod-resource-search-images\.dn\.nexoncdn[^/]*/maplestory_world/([a-f0-9]{32})\.(gif|png|jpg|jpeg|webp|mp3|ogg|wav|m4a|webm|mp4)`)

	// Audio players: only live https?:// sources count, never local paths.
	audioSrcRe = regexp.MustCompile(
		`(?i)<audio[^>]+src=["']https?://[^"']*/([a-f0-9]{32})\.(ogg|wav|mp3|m4a)["']`)
	audioSourceRe = regexp.MustCompile(
		`(?i)<source[^>]+src=["']https?://[^"']*/([a-f0-9]{32})\.(ogg|wav|mp3|m4a)["']`)

	// Embedded page data fallback when the listing div is client-rendered.
	jsonGUIDRe = regexp.MustCompile(
		`(?i)["'](?:guid|ruid|resourceId)["']\s*:\s*["']([a-f0-9]{32})["']`)

	// Audioclip pages embed path data like "…/32hex.ogg.mod" even when the
	// listing itself is client-rendered.
	audioPathRe = regexp.MustCompile(
		`(?i)([a-f0-9]{32})\.(ogg|mp3|wav|m4a)(?:\.[a-z]+)?`)

	listResourceDivRe = regexp.MustCompile(
		`(?i)<div[^>]*\bclass="[^"]*list_resource[^"]*"[^>]*>`)

	loadingShellRe = regexp.MustCompile(
		`(?i)<div[^>]*\bclass="[^"]*loading-container[^"]*"`)
)

// Listing is the default extraction strategy. Audioclip pages use the
// embedded path pattern; all other categories use the listing div / CDN URL /
// embedded-guid chain.
func Listing(html string, category int) map[string]string {
	if html == "" {
		return map[string]string{}
	}
	if category == audioclipCategory {
		return fromAudioclipHTML(html)
	}
	return fromListingHTML(html)
}

func fromListingHTML(html string) map[string]string {
	found := make(map[string]string)

	inner, hasDiv := listResourceInner(html)
	searchIn := html
	if hasDiv {
		searchIn = inner
	}

	collect(found, listingRe, searchIn)
	collect(found, audioSrcRe, searchIn)
	collect(found, audioSourceRe, searchIn)

	// Fallback: embedded page data, but only when the listing div is absent
	// entirely. An empty-but-present div means the page really is empty.
	if len(found) == 0 && !hasDiv {
		for _, m := range jsonGUIDRe.FindAllStringSubmatch(html, -1) {
			ruid := strings.ToLower(m[1])
			if _, ok := found[ruid]; !ok {
				found[ruid] = ""
			}
		}
	}
	return found
}

// SessionShell reports whether the page is the client-side loading shell the
// site serves instead of a listing when the session is missing or expired.
func SessionShell(html string) bool {
	return loadingShellRe.MatchString(html)
}

func fromAudioclipHTML(html string) map[string]string {
	found := make(map[string]string)
	collect(found, audioPathRe, html)
	return found
}

// collect folds (ruid, extension) submatches into found, preferring the
// first non-empty extension seen for a ruid.
func collect(found map[string]string, re *regexp.Regexp, html string) {
	for _, m := range re.FindAllStringSubmatch(html, -1) {
		ruid := strings.ToLower(m[1])
		ext := strings.ToLower(m[2])
		if prev, ok := found[ruid]; !ok || (prev == "" && ext != "") {
			found[ruid] = ext
		}
	}
}

// listResourceInner returns the inner HTML of the first list_resource div,
// matching nested divs by depth. The second return is false when the div is
// not present (client-rendered page).
func listResourceInner(html string) (string, bool) {
	loc := listResourceDivRe.FindStringIndex(html)
	if loc == nil {
		return "", false
	}
	start := loc[1]
	depth := 1
	i := start
	for depth > 0 && i < len(html) {
		nextClose := strings.Index(html[i:], "</div>")
		nextOpen := strings.Index(html[i:], "<div")
		if nextClose == -1 {
			break
		}
		if nextOpen == -1 || nextClose < nextOpen {
			depth--
			if depth == 0 {
				return html[start : i+nextClose], true
			}
			i += nextClose + len("</div>")
		} else {
			depth++
			i += nextOpen + len("<div")
		}
	}
	// Unbalanced markup: treat everything after the opening tag as inner.
	return html[start:], true
}
