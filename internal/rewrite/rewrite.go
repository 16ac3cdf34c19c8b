// Package rewrite applies per-publisher URL shortcuts before the first
// connection, skipping landing pages whose target location is predictable.
package rewrite

import (
	"regexp"

	"github.com/rs/zerolog/log"
)

// Rule rewrites URLs matching Pattern with the Replace template, unless Skip
// also matches.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Skip    *regexp.Regexp
	Replace string
}

// DefaultRules covers resolvers and publishers with stable full-text paths.
var DefaultRules = []Rule{
	{
		Name:    "doi",
		Pattern: regexp.MustCompile(`(?i)^https?://(?:dx\.)?doi\.org/(.+)$`),
		Replace: "https://doi.org/$1",
	},
	{
		Name:    "arxiv",
		Pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?arxiv\.org/abs/([^?#]+?)/?$`),
		Replace: "https://arxiv.org/pdf/$1",
	},
	{
		Name:    "biorxiv",
		Pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?(biorxiv|medrxiv)\.org/content/(10\.\d{4,9}/[^?#]+?)(?:\.full|\.abstract)?/?$`),
		Skip:    regexp.MustCompile(`(?i)\.pdf$`),
		Replace: "https://www.$1.org/content/$2.full.pdf",
	},
	{
		Name:    "frontiers",
		Pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?frontiersin\.org/articles/(10\.\d{4,9}/[^?#]+?)/(?:full|abstract)/?$`),
		Replace: "https://www.frontiersin.org/articles/$1/pdf",
	},
	{
		Name:    "plos",
		Pattern: regexp.MustCompile(`(?i)^https?://journals\.plos\.org/([a-z]+)/article\?id=(10\.\d{4,9}/[^&#]+)$`),
		Replace: "https://journals.plos.org/$1/article/file?id=$2&type=printable",
	},
}

// Rewriter applies the first matching rule.
type Rewriter struct {
	rules []Rule
}

// New creates a Rewriter. With no rules, DefaultRules are used.
func New(rules ...Rule) *Rewriter {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Rewriter{rules: rules}
}

// Rewrite returns the rewritten URL, or u unchanged when no rule matches.
func (r *Rewriter) Rewrite(u string) string {
	for _, rule := range r.rules {
		if !rule.Pattern.MatchString(u) {
			continue
		}
		if rule.Skip != nil && rule.Skip.MatchString(u) {
			return u
		}
		out := rule.Pattern.ReplaceAllString(u, rule.Replace)
		if out != u {
			log.Debug().
				Str("rule", rule.Name).
				Str("from", u).
				Str("to", out).
				Msg("Rewrote URL")
		}
		return out
	}
	return u
}
