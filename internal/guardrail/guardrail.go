// Package guardrail screens raw user input before anything touches the
// generator or the database: a deterministic prompt-injection scan and the
// fixed texts for both refusal paths.
package guardrail

import (
	"regexp"
	"strings"
)

// Refusal texts are fixed. Every blocked request gets the same message for
// its category, so probing cannot reveal which pattern fired.
const (
	OffTopicRefusal = "I'm a clinical trials research assistant and can only help with questions " +
		"about clinical trials, medical research, treatments, and health conditions. " +
		"Could you ask me something about clinical trials instead? For example:\n\n" +
		"- \"How many breast cancer trials are currently recruiting?\"\n" +
		"- \"What phase 3 diabetes trials are sponsored by Pfizer?\"\n" +
		"- \"Show me COVID-19 vaccine trials completed in 2023\""

	InjectionRefusal = "I'm unable to process that request. I'm a clinical trials research assistant " +
		"— please ask me a question about clinical trials, medical research, or " +
		"health conditions."
)

// TopicClassifierPrompt is the system prompt for the one-word relevance
// check. The classifier is deliberately lenient; tangential biomedical
// relevance passes.
const TopicClassifierPrompt = `You are a topic classifier. Determine whether the user's message is related to clinical trials, medical research, drugs, treatments, diseases, health conditions, the ClinicalTrials.gov database, or the AACT database.

Respond with EXACTLY one word:
- "yes" if the message is related to clinical trials or medical/health research
- "no" if the message is clearly off-topic (e.g. cooking, sports, politics, coding help, jokes)

Be lenient: if the message is even tangentially related to health, medicine, pharmaceuticals, or biomedical research, respond "yes".`

// Compiled once at init, read-only afterwards. Three families:
// instruction-override, role-reassignment, and system-prompt exfiltration.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\b`),
	regexp.MustCompile(`(?i)new\s+(instructions|role|persona)\s*:`),
	regexp.MustCompile(`(?i)system\s*prompt\s*:`),
	regexp.MustCompile(`(?i)\bdo\s+not\s+follow\s+(your|the)\s+(rules|instructions)\b`),
	regexp.MustCompile(`(?i)\boverride\s+(your|the|all)\s+(rules|instructions|restrictions)\b`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+)?(you\s+)?(are|were)\b`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system|original)\s+(prompt|instructions)`),
	regexp.MustCompile(`(?i)print\s+(your|the)\s+(system|original)\s+(prompt|instructions)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions)`),
}

// DetectInjection reports whether the text matches a known injection
// pattern. Purely lexical, no generator involved, never fails open.
func DetectInjection(text string) bool {
	_, matched := MatchInjection(text)
	return matched
}

// MatchInjection returns the source of the first matching pattern so the
// caller can log which family fired.
func MatchInjection(text string) (string, bool) {
	return matchAny(injectionPatterns, text)
}

func matchAny(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, p := range patterns {
		if p.MatchString(text) {
			return p.String(), true
		}
	}
	return "", false
}

// OffTopicVerdict interprets the classifier's reply. Only an unambiguous
// "no" blocks; anything else passes, keeping the screen lenient even when
// the model pads its answer.
func OffTopicVerdict(reply string) bool {
	normalized := strings.ToLower(strings.TrimSpace(reply))
	normalized = strings.Trim(normalized, `."'!`)
	return normalized == "no"
}
