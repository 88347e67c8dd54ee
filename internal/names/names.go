// Package names generates memorable call signs for workers that
// connect without an explicit agent name.
package names

import (
	"fmt"
	"math/rand/v2"
)

var adjectives = []string{
	"amber", "brisk", "calm", "deft", "eager",
	"frank", "glad", "hardy", "keen", "lucid",
	"mellow", "nimble", "patient", "quick", "steady",
	"tidy", "vivid", "wry", "stoic", "sober",
}

var nouns = []string{
	"courier", "ledger", "beacon", "anvil", "compass",
	"harbor", "lantern", "mason", "porter", "quarry",
	"relay", "sentry", "shuttle", "signal", "tally",
	"vault", "warden", "wheel", "gantry", "pylon",
}

// Generate returns a call sign like "steady-courier-41".
func Generate() string {
	adj := adjectives[rand.IntN(len(adjectives))]
	noun := nouns[rand.IntN(len(nouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, rand.IntN(100))
}
