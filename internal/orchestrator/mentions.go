package orchestrator

import (
	"strings"
)

// Mentions is the routing outcome of parsing a user utterance.
type Mentions struct {
	// Participants lists the mentioned participant ids, deduplicated, in
	// order of first appearance.
	Participants []string

	// All is set when "@all" appeared; every enabled participant is forced.
	All bool
}

// IsEmpty reports whether nothing was mentioned.
func (m Mentions) IsEmpty() bool {
	return !m.All && len(m.Participants) == 0
}

// Forces reports whether the participant id is forced to speak.
func (m Mentions) Forces(id string) bool {
	if m.All {
		return true
	}
	for _, p := range m.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// MentionParser recognises token-delimited @mentions of known participant
// ids and the broadcast handle "@all". Matching is case-insensitive; unknown
// @tokens pass through verbatim.
type MentionParser struct {
	known map[string]string // lowercase id → canonical id
}

// NewMentionParser builds a parser for the given participant ids. "all" is
// always recognised in addition.
func NewMentionParser(ids []string) *MentionParser {
	known := make(map[string]string, len(ids)+1)
	known["all"] = "all"
	for _, id := range ids {
		known[strings.ToLower(id)] = id
	}
	return &MentionParser{known: known}
}

// Parse extracts mentions from text and returns them together with the
// cleaned text: recognised mentions removed, whitespace collapsed to single
// spaces, leading and trailing whitespace trimmed. A purely-mention message
// yields empty cleaned text, which is valid input.
func (mp *MentionParser) Parse(text string) (Mentions, string) {
	var m Mentions
	seen := map[string]bool{}
	var kept []string

	for _, tok := range strings.Fields(text) {
		name := mentionName(tok)
		id, ok := "", false
		if name != "" {
			id, ok = mp.known[strings.ToLower(name)]
		}
		if !ok {
			kept = append(kept, tok)
			continue
		}
		if id == "all" {
			m.All = true
		} else if !seen[id] {
			seen[id] = true
			m.Participants = append(m.Participants, id)
		}
	}
	return m, strings.Join(kept, " ")
}

// mentionName returns the candidate id of an @token with trailing
// punctuation stripped, or "" when tok is not a mention candidate.
func mentionName(tok string) string {
	if !strings.HasPrefix(tok, "@") || len(tok) < 2 {
		return ""
	}
	return strings.TrimRight(tok[1:], ",.!?;:")
}

// Compose renders mentions back into a message, mentions first. It is the
// inverse of [MentionParser.Parse] up to whitespace normalisation.
func Compose(m Mentions, text string) string {
	var parts []string
	for _, id := range m.Participants {
		parts = append(parts, "@"+id)
	}
	if m.All {
		parts = append(parts, "@all")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}
