package daemon

import "strings"

// Tokens recognised in commands and pid file paths.
const (
	TokenServerUpper = "$SERVER_NAME$"
	TokenServerLower = "$server_name$"
	TokenEnvUpper    = "$ENV$"
	TokenEnvLower    = "$env$"
)

// Expander substitutes host and environment tokens.
type Expander struct {
	Hostname    string
	Environment string
}

func (e Expander) replacer() *strings.Replacer {
	return strings.NewReplacer(
		TokenServerUpper, strings.ToUpper(e.Hostname),
		TokenServerLower, strings.ToLower(e.Hostname),
		TokenEnvUpper, strings.ToUpper(e.Environment),
		TokenEnvLower, strings.ToLower(e.Environment),
	)
}

// Expand replaces every token in s.
func (e Expander) Expand(s string) string {
	if s == "" {
		return s
	}
	return e.replacer().Replace(s)
}

// ExpandAll returns a new slice with every element expanded. Nil stays nil.
func (e Expander) ExpandAll(in []string) []string {
	if in == nil {
		return nil
	}
	r := e.replacer()
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Replace(s)
	}
	return out
}

// Spec returns a copy of s with commands and pid file expanded.
func (e Expander) Spec(s Spec) Spec {
	c := s.Clone()
	c.StartCommand = e.ExpandAll(s.StartCommand)
	c.StopCommand = e.ExpandAll(s.StopCommand)
	c.PIDFile = e.Expand(s.PIDFile)
	return c
}
