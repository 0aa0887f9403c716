package relay

import (
	"fmt"
	"math/rand/v2"
	"regexp"
)

var (
	adjectives = []string{
		"amber", "bold", "brave", "brisk", "calm", "clever", "cosmic", "crisp", "dusty", "eager",
		"fancy", "gentle", "golden", "happy", "hidden", "icy", "jolly", "keen", "lively", "lucky",
		"mellow", "misty", "noble", "quiet", "rapid", "rusty", "silent", "sunny", "swift", "witty",
	}
	nouns = []string{
		"badger", "beacon", "canyon", "comet", "condor", "delta", "falcon", "fjord", "forest", "harbor",
		"heron", "island", "lagoon", "lynx", "meadow", "nebula", "otter", "panda", "pebble", "pine",
		"raven", "reef", "river", "sparrow", "summit", "tiger", "tundra", "valley", "walrus", "willow",
	}
	subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// GenerateSubdomain returns a name of the form adjective-noun-NNNN.
func GenerateSubdomain() string {
	return fmt.Sprintf("%s-%s-%04d",
		adjectives[rand.IntN(len(adjectives))],
		nouns[rand.IntN(len(nouns))],
		rand.IntN(10000))
}

// ValidSubdomain reports whether s is 3-32 characters of lowercase ASCII
// letters, digits and inner dashes.
func ValidSubdomain(s string) bool {
	return len(s) >= 3 && len(s) <= 32 && subdomainRe.MatchString(s)
}
