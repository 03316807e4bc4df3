package sgr

import (
	"regexp"
	"strings"
)

var (
	emojiPattern       = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2700}-\x{27BF}\x{2600}-\x{26FF}]+`)
	templateRefPattern = regexp.MustCompile(`\{=([^=]+)=\}`)
	runSpacePattern    = regexp.MustCompile(`[ \t]+`)
	runNewlinePattern  = regexp.MustCompile(`\n{3,}`)
)

// cleanText normalizes model output: no emojis, no code fences, no
// runaway whitespace.
func cleanText(text string) string {
	t := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	t = strings.TrimSpace(strings.ReplaceAll(t, "```", ""))
	t = strings.TrimSpace(emojiPattern.ReplaceAllString(t, ""))
	t = runSpacePattern.ReplaceAllString(t, " ")
	t = runNewlinePattern.ReplaceAllString(t, "\n\n")
	return strings.TrimSpace(t)
}

// templateRefs returns the raw expressions inside {=...=} placeholders.
func templateRefs(text string) []string {
	var refs []string
	for _, m := range templateRefPattern.FindAllStringSubmatch(text, -1) {
		refs = append(refs, strings.TrimSpace(m[1]))
	}
	return refs
}

// toolRefs returns the tool names referenced by {=@tool.field=}
// placeholders.
func toolRefs(text string) []string {
	var names []string
	for _, expr := range templateRefs(text) {
		if !strings.HasPrefix(expr, "@") {
			continue
		}
		inner := strings.TrimPrefix(expr, "@")
		name := strings.TrimSpace(strings.SplitN(inner, ".", 2)[0])
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func containsAny(text string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// looksLikeConditionCheck spots meta-intents like "Определить, является
// ли сегодня день рождения" that duplicate a condition instead of
// instructing the agent.
func looksLikeConditionCheck(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if !containsAny(t, "определ", "провер", "выясн", "убед", "понят") {
		return false
	}
	if strings.Contains(t, "является ли") {
		return true
	}
	if strings.Contains(t, "сегодня") && containsAny(t, "день рождения", "др") {
		return true
	}
	if strings.Contains(t, "дата") && containsAny(t, "сегодня", "текущ") {
		return true
	}
	return false
}

// filterQuestions drops meta-questions the converter answers itself
// and deduplicates what remains.
func filterQuestions(questions []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, q := range questions {
		qq := cleanText(q)
		if qq == "" {
			continue
		}
		low := strings.ToLower(qq)
		// Conditions are semantic checks on the user message; never ask
		// "how to determine" them.
		if containsAny(low, "как определ", "как провер", "как понят") {
			continue
		}
		if containsAny(low, "сегодня", "ваш", "у вас") && strings.Contains(low, "день рождения") {
			continue
		}
		// Tool questions are replaced by missing_tools diagnostics.
		if containsAny(low, "какой инструмент", "какой метод", "как получить") {
			continue
		}
		if !seen[qq] {
			out = append(out, qq)
			seen[qq] = true
		}
	}
	return out
}

// textHasExplicitNoopElse reports whether the input spells out an
// empty else branch ("иначе ничего не говори").
func textHasExplicitNoopElse(text string) bool {
	t := strings.ToLower(text)
	if containsAny(t, "иначе", "а если", "если нет", "если не") && strings.Contains(t, "ничего") {
		return true
	}
	if strings.Contains(t, "ничего не") && containsAny(t, "говор", "дел", "добав") {
		return true
	}
	return false
}

var collapseSpacePattern = regexp.MustCompile(`\s+`)

// scenarioName picks the scenario name: the hint, else the input text
// truncated, else a trace-derived fallback.
func scenarioName(nameHint, text, traceID string) string {
	if hint := strings.TrimSpace(nameHint); hint != "" {
		return hint
	}
	base := strings.TrimSpace(text)
	if base != "" {
		base = collapseSpacePattern.ReplaceAllString(base, " ")
		if r := []rune(base); len(r) > 72 {
			return string(r[:72])
		}
		return base
	}
	return "sgr:" + traceID
}
