// Package music detects music events, guesses the performing artist and
// attaches a matching track from the music service.
package music

import (
	"regexp"
	"strings"
)

var musicKeywordRe = regexp.MustCompile(`(?i)\b(concert|live music|band|performance|gig|show|musician|singer|performer|dj|jazz|rock|blues|hip hop|rap|electronic|classical|orchestra|ensemble|quartet|trio|recital|festival)\b`)

// IsMusicEvent reports whether the title or description mentions music.
func IsMusicEvent(title, description string) bool {
	return musicKeywordRe.MatchString(title) || musicKeywordRe.MatchString(description)
}

const ensembleWords = `(?:Orchestra|Band|Ensemble|Quartet|Trio|Quintet|Sextet|Septet|Octet|Group|Seven)`

// artistPatterns are tried in order; the first capture group is the artist.
var artistPatterns = []*regexp.Regexp{
	// "Vista Philharmonic Orchestra - Music Without Boundaries"
	regexp.MustCompile(`(?i)^(.+?\b` + ensembleWords + `)(?:\s*[-:–|,]|\s*$)`),
	// "Test String Quartet performs Mozart"
	regexp.MustCompile(`(?i)^(.+?\b` + ensembleWords + `)\s+(?:presents|performs|in|at)\b`),
	// "Test Artist live at Venue"
	regexp.MustCompile(`(?i)^(.+?)\s+(?:live\s+at|at|@)\s+`),
	// "Venue presents Test Artist"
	regexp.MustCompile(`(?i)\b(?:presents|featuring|feat\.|ft\.|with)\s*:?\s+(.+?)(?:\s+[-:@|]|\s+(?:at|in|live)\s|$)`),
	// "Test Artist in concert"
	regexp.MustCompile(`(?i)^(.+?)\s+(?:in\s+concert|concert|performance|show|gig)\b`),
	// "Test Artist, live"
	regexp.MustCompile(`(?i)^(.+?),\s*(?:live|in\s+concert|performing)\b`),
}

var fallbackSeparators = []string{" at ", " in ", " with ", " - ", " @ ", " presents ", ": "}

// ExtractArtist guesses the performer from an event title.
func ExtractArtist(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return ""
	}
	for _, re := range artistPatterns {
		if m := re.FindStringSubmatch(title); m != nil {
			if artist := cleanArtist(m[1]); artist != "" {
				return artist
			}
		}
	}

	cut := len(title)
	lower := strings.ToLower(title)
	for _, sep := range fallbackSeparators {
		if i := strings.Index(lower, sep); i > 0 && i < cut {
			cut = i
		}
	}
	if artist := cleanArtist(title[:cut]); artist != "" {
		return artist
	}
	return title
}

func cleanArtist(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'“”:-–,`)
}
