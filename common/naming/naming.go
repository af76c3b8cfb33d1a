// Package naming generates short human-readable names for deployments and
// chat sessions, e.g. "Crimson Falcon".
package naming

import (
	"math/rand/v2"
	"strings"
)

var adjectives = []string{
	"Crimson", "Stellar", "Quantum", "Neural", "Cosmic", "Phantom",
	"Radiant", "Obsidian", "Emerald", "Sapphire", "Titanium", "Velvet",
	"Arctic", "Solar", "Lunar", "Thunder", "Crystal", "Shadow",
	"Neon", "Amber", "Cobalt", "Ivory", "Onyx", "Prism",
}

var nouns = []string{
	"Falcon", "Horizon", "Nexus", "Cipher", "Vortex", "Phoenix",
	"Sentinel", "Catalyst", "Beacon", "Forge", "Pulse", "Echo",
	"Vertex", "Orbit", "Zenith", "Aegis", "Flux", "Nova",
	"Helix", "Apex", "Drift", "Core", "Arc", "Spark",
}

// Generate returns a random "Adjective Noun" pair.
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + " " + nouns[rand.IntN(len(nouns))]
}

// Valid reports whether name has the shape produced by Generate.
func Valid(name string) bool {
	adj, noun, ok := strings.Cut(name, " ")
	if !ok {
		return false
	}
	return contains(adjectives, adj) && contains(nouns, noun)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
