package llm

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

const systemPrompt = `You are an expert machine learning engineer improving a Python training script.
Every script you write must be complete and runnable as-is, must read data only from the working directory,
and must print its validation metric exactly once as "Final Validation Performance: <score>".`

// defaultPrompts holds one template per operation. Templates see a
// promptData value.
var defaultPrompts = map[string]string{
	"initial": `# Task
{{.Task}}

Write candidate solution #{{var "candidate"}} for this task as a single Python script.
{{- with var "previous"}}

Approaches already tried (choose a different model family):
{{.}}
{{- end}}

Return only the script in one fenced python code block.`,

	"merge": `# Task
{{.Task}}

# Base solution (validation score {{var "base_score"}})
` + "```python\n{{.Text}}\n```" + `

# Reference solution (validation score {{var "reference_score"}})
` + "```python\n{{var \"reference\"}}\n```" + `

Integrate the reference solution into the base solution, for example by averaging or stacking their
predictions, so that the result scores better than the base. Return the full script in one fenced python code block.`,

	"leakage_check": `# Task
{{.Task}}

# Solution
` + "```python\n{{.Text}}\n```" + `

Check whether this solution leaks validation or test information into training, for example by fitting
preprocessing on the combined data or selecting features using validation labels.
If there is no leakage, answer with exactly NO_CHANGES and nothing else.
Otherwise return the full corrected script in one fenced python code block.`,

	"data_usage_check": `# Task
{{.Task}}

# Solution
` + "```python\n{{.Text}}\n```" + `

Check whether this solution uses every data file the task provides that could improve the score.
If it already does, answer with exactly NO_CHANGES and nothing else.
Otherwise return the full revised script in one fenced python code block.`,

	"debug": `# Task
{{.Task}}

The script below failed.

` + "```python\n{{.Text}}\n```" + `

# Error
{{var "error"}}
{{- with var "attempts"}}

# Earlier fixes that did not work
{{.}}
{{- end}}

Fix the error without changing the modelling approach. Return the full corrected script in one fenced python code block.`,

	"plan": `# Task
{{.Task}}

# Code block under refinement
` + "```python\n{{.Text}}\n```" + `
{{- with var "summary"}}

# Ablation summary
{{.}}
{{- end}}
{{- with var "plan_history"}}

# Plans already tried and their scores
{{.}}
{{- end}}

Propose one new, concrete refinement plan for this code block that differs from every plan above.
Answer in at most five sentences of plain text.`,

	"code": `# Task
{{.Task}}

# Code block
` + "```python\n{{.Text}}\n```" + `

# Plan
{{var "plan"}}

Rewrite only this code block to implement the plan. Keep the names it defines and uses.
Return the replacement block in one fenced python code block.`,

	"ablate": `# Task
{{.Task}}

# Current solution
` + "```python\n{{.Text}}\n```" + `
{{- with var "previous_summaries"}}

# Components already studied
{{.}}
{{- end}}

Write a Python ablation study for this solution. Measure the baseline and two or three variants, each
disabling or simplifying one component not studied above, and print every variant's name with its score.
Return the script in one fenced python code block.`,

	"summarize": `# Ablation study output
{{.Text}}

Summarize which component changes the score most, with the baseline and the per-component deltas.
Answer in plain text.`,

	"extract": `# Current solution
` + "```python\n{{var \"artifact\"}}\n```" + `

# Ablation summary
{{.Text}}
{{- with var "refined"}}

# Code blocks already refined (do not choose these again)
{{.}}
{{- end}}

Choose the code blocks whose refinement is most likely to improve the score. Every "fragment" must be
copied verbatim from the solution. Answer with JSON only:
[{"id": "<short name>", "fragment": "<exact code>", "plan": "<first refinement plan>", "impact": <expected gain>}]`,

	"ensemble_plan": `# Task
{{.Task}}

{{var "solutions"}} independently refined solutions are available.
{{- with .Text}}

# Ensemble strategies already tried and their scores
{{.}}
{{- end}}

Propose one new strategy for combining the solutions into a single script. Answer in plain text.`,

	"ensemble": `# Task
{{.Task}}

# Strategy
{{.Text}}
{{range $i, $s := .Solutions}}
# Solution {{inc $i}}
` + "```python\n{{$s}}\n```" + `
{{end}}
Write one Python script that combines the solutions using the strategy.
Return it in one fenced python code block.`,

	"submit": `# Task
{{.Task}}

# Final solution
` + "```python\n{{.Text}}\n```" + `

Turn this solution into a script that trains on all available labelled data and writes the test-set
predictions to ./submission/submission.csv. Keep printing the validation metric.
Return the script in one fenced python code block.`,
}

// codeOperations return a script rather than prose.
var codeOperations = map[string]bool{
	"initial":          true,
	"merge":            true,
	"leakage_check":    true,
	"data_usage_check": true,
	"debug":            true,
	"code":             true,
	"ablate":           true,
	"ensemble":         true,
	"submit":           true,
}

type promptData struct {
	Task      string
	Text      string
	Vars      map[string]string
	Solutions []string
}

// Prompts renders operation prompts.
type Prompts struct {
	set *template.Template
}

// LoadPrompts parses the built-in templates, then any "<operation>.tmpl"
// files in overrides, which replace the built-in template of that name.
func LoadPrompts(overrides fs.FS) (*Prompts, error) {
	root := template.New("prompts")
	names := make([]string, 0, len(defaultPrompts))
	for name := range defaultPrompts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := newPrompt(root, name, defaultPrompts[name]); err != nil {
			return nil, err
		}
	}
	if overrides != nil {
		files, err := fs.Glob(overrides, "*.tmpl")
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			b, err := fs.ReadFile(overrides, f)
			if err != nil {
				return nil, err
			}
			if _, err := newPrompt(root, strings.TrimSuffix(path.Base(f), ".tmpl"), string(b)); err != nil {
				return nil, err
			}
		}
	}
	return &Prompts{set: root}, nil
}

func newPrompt(root *template.Template, name, body string) (*template.Template, error) {
	t, err := root.New(name).Option("missingkey=zero").Funcs(template.FuncMap{
		"var": func(string) string { return "" },
		"inc": func(i int) int { return i + 1 },
	}).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", name, err)
	}
	return t, nil
}

func (p *Prompts) Has(op string) bool { return p.set.Lookup(op) != nil }

// Render executes the template for op.
func (p *Prompts) Render(op, task, text string, vars map[string]string) (string, error) {
	t := p.set.Lookup(op)
	if t == nil {
		return "", fmt.Errorf("no prompt for operation %q", op)
	}
	t, err := t.Clone()
	if err != nil {
		return "", err
	}
	t.Funcs(template.FuncMap{
		"var": func(name string) string { return strings.TrimSpace(vars[name]) },
	})
	var b strings.Builder
	if err := t.Execute(&b, promptData{
		Task:      strings.TrimSpace(task),
		Text:      text,
		Vars:      vars,
		Solutions: solutions(vars),
	}); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", op, err)
	}
	return b.String(), nil
}

// solutions lists solution_1..solution_N from vars in order.
func solutions(vars map[string]string) []string {
	var out []string
	for i := 1; ; i++ {
		s, ok := vars["solution_"+strconv.Itoa(i)]
		if !ok {
			return out
		}
		out = append(out, s)
	}
}
