package resolve

import (
	"testing"

	"example.com/egressgen/internal/model"
)

func rule(envs ...string) model.Rule {
	p := 443
	d := "example.com"
	return model.Rule{Protocol: model.ProtoHTTP, Destination: &d, Port: &p, Envs: envs}
}

func TestFilterEnvMembership(t *testing.T) {
	rules := []model.Rule{
		rule(),              // все окружения
		rule("prd"),
		rule("dev", "stg"),
		rule("stg"),
	}
	cases := []struct {
		env  string
		want []int // ожидаемые позиции (1-based)
	}{
		{"prd", []int{1, 2}},
		{"dev", []int{1, 3}},
		{"stg", []int{1, 3, 4}},
		{"qa", []int{1}},
	}
	for _, tc := range cases {
		got := FilterEnv(Entries(rules), tc.env)
		if len(got) != len(tc.want) {
			t.Fatalf("env %s: want %d entries, got %d", tc.env, len(tc.want), len(got))
		}
		for i, e := range got {
			if e.Pos != tc.want[i] {
				t.Errorf("env %s: entry %d has pos %d, want %d", tc.env, i, e.Pos, tc.want[i])
			}
		}
	}
}

func TestFilterEnvIsSubsetAndOrderPreserving(t *testing.T) {
	rules := []model.Rule{rule("a"), rule(), rule("b"), rule("a", "b")}
	entries := Entries(rules)
	for _, env := range []string{"a", "b", "c", ""} {
		got := FilterEnv(entries, env)
		if len(got) > len(entries) {
			t.Fatalf("filter output larger than input")
		}
		prev := 0
		for _, e := range got {
			if e.Pos <= prev {
				t.Fatalf("order not preserved for env %q", env)
			}
			prev = e.Pos
			if !e.Rule.ActiveIn(env) {
				t.Fatalf("entry %d should not be active in %q", e.Pos, env)
			}
		}
		// и наоборот: всё активное должно попасть в выборку
		active := 0
		for _, e := range entries {
			if e.Rule.ActiveIn(env) {
				active++
			}
		}
		if active != len(got) {
			t.Fatalf("env %q: want %d active entries, got %d", env, active, len(got))
		}
	}
}
