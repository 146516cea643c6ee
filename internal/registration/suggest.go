package registration

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
)

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "cosmic", "eager", "gentle",
	"keen", "lucid", "nimble", "quiet", "rapid", "silver", "steady", "swift",
}

var nouns = []string{
	"badger", "comet", "falcon", "fox", "harbor", "heron", "lynx", "maple",
	"orbit", "otter", "pine", "raven", "river", "sparrow", "summit", "willow",
}

// taken reports whether a name is already registered.
type taken func(ctx context.Context, name string) bool

// withSuffix appends -suffix, shortening name so the result stays valid.
func withSuffix(name, suffix string) string {
	maxBase := maxNameLen - len(suffix) - 1
	if len(name) > maxBase {
		name = name[:maxBase]
	}
	return strings.TrimRight(name, "-") + "-" + suffix
}

// suggestNames returns three valid alternatives to name: two numeric-suffix
// variants and one adjective-noun pair. Free names are preferred, but three
// are always returned.
func suggestNames(ctx context.Context, name string, isTaken taken) []string {
	var out []string
	seen := map[string]bool{name: true}
	add := func(s string) {
		seen[s] = true
		out = append(out, s)
	}

	for n := 2; len(out) < 2 && n < 2+maxSuggestionTries; n++ {
		s := withSuffix(name, strconv.Itoa(n))
		if !isTaken(ctx, s) {
			add(s)
		}
	}
	for n := 2 + maxSuggestionTries; len(out) < 2; n++ {
		add(withSuffix(name, strconv.Itoa(n)))
	}

	var fallback string
	for i := 0; i < maxSuggestionTries; i++ {
		s := adjectives[rand.Intn(len(adjectives))] + "-" + nouns[rand.Intn(len(nouns))]
		if seen[s] {
			continue
		}
		if fallback == "" {
			fallback = s
		}
		if !isTaken(ctx, s) {
			add(s)
			return out
		}
	}
	if fallback == "" {
		fallback = withSuffix(adjectives[0]+"-"+nouns[0], strconv.Itoa(rand.Intn(9000)+1000))
	}
	add(fallback)
	return out
}
