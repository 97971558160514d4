package resolve

import "example.com/egressgen/internal/model"

// Entry keeps a rule together with its 1-based position in the source
// document, so diagnostics stay actionable after filtering.
type Entry struct {
	Pos  int
	Rule model.Rule
}

func Entries(rules []model.Rule) []Entry {
	out := make([]Entry, 0, len(rules))
	for i, r := range rules {
		out = append(out, Entry{Pos: i + 1, Rule: r})
	}
	return out
}

// FilterEnv — чистый фильтр: пустой envs значит «во всех окружениях».
// Порядок входа сохраняется.
func FilterEnv(entries []Entry, env string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Rule.ActiveIn(env) {
			out = append(out, e)
		}
	}
	return out
}
