// Package config loads the optional YAML file that overlays component
// defaults. Only keys present in the file change anything; environment
// overrides have already been applied by each component's DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/Harvey-AU/doc-resolver/internal/connection"
	"github.com/Harvey-AU/doc-resolver/internal/crawler"
	"github.com/Harvey-AU/doc-resolver/internal/domainhealth"
	"github.com/Harvey-AU/doc-resolver/internal/engine"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/rewrite"
	"gopkg.in/yaml.v3"
)

// File is the decoded configuration file.
type File struct {
	Connection ConnectionConfig `yaml:"connection"`
	Health     HealthConfig     `yaml:"health"`
	Crawler    CrawlerConfig    `yaml:"crawler"`
	Engine     EngineConfig     `yaml:"engine"`
	Storage    StorageConfig    `yaml:"storage"`
	Rewrites   []RewriteRule    `yaml:"rewrites"`
	Workers    *int             `yaml:"workers"`
}

type ConnectionConfig struct {
	MaxPageRedirects  *int      `yaml:"max_page_redirects"`
	MaxLinkRedirects  *int      `yaml:"max_link_redirects"`
	HeadTimeout       *Duration `yaml:"head_timeout"`
	GetTimeout        *Duration `yaml:"get_timeout"`
	UserAgent         *string   `yaml:"user_agent"`
	RequestsPerSecond *float64  `yaml:"requests_per_second"`
	Burst             *int      `yaml:"burst"`
}

type HealthConfig struct {
	Max5XX           *int      `yaml:"max_5xx"`
	MaxTimeouts      *int      `yaml:"max_timeouts"`
	MaxNoType        *int      `yaml:"max_no_type"`
	MaxNeither       *int      `yaml:"max_neither"`
	MaxPath403       *int      `yaml:"max_path_403"`
	MaxBlockedPaths  *int      `yaml:"max_blocked_paths"`
	GoodDomainBuffer *int      `yaml:"good_domain_buffer"`
	PolitenessMin    *Duration `yaml:"politeness_min"`
	PolitenessMax    *Duration `yaml:"politeness_max"`
	AllowDomains     []string  `yaml:"allow_domains"`
}

type CrawlerConfig struct {
	FastScanLimit       *int     `yaml:"fast_scan_limit"`
	SlowScanLimit       *int     `yaml:"slow_scan_limit"`
	SlowScanFloor       *float64 `yaml:"slow_scan_floor"`
	SlowScanMinSamples  *int     `yaml:"slow_scan_min_samples"`
	SlowScanGetFallback *bool    `yaml:"slow_scan_get_fallback"`
}

type EngineConfig struct {
	Mode          *string   `yaml:"mode"` // documents, datasets or both
	Download      *bool     `yaml:"download"`
	MaxPageBytes  *int64    `yaml:"max_page_bytes"`
	RecordTimeout *Duration `yaml:"record_timeout"`
}

type StorageConfig struct {
	MaxFileBytes *int64 `yaml:"max_file_bytes"`
}

// RewriteRule is a user-supplied URL shortcut. Rules from the file run
// before the built-in ones.
type RewriteRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Skip    string `yaml:"skip"`
	Replace string `yaml:"replace"`
}

// Load reads and validates path.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader. An empty
// document is valid and changes nothing.
func LoadFromReader(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	f.normalise()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) normalise() {
	f.Health.AllowDomains = dedupeLower(f.Health.AllowDomains)
	if f.Engine.Mode != nil {
		m := strings.ToLower(strings.TrimSpace(*f.Engine.Mode))
		f.Engine.Mode = &m
	}
	for i := range f.Rewrites {
		f.Rewrites[i].Name = strings.TrimSpace(f.Rewrites[i].Name)
	}
}

// Validate rejects values no component could run with.
func (f *File) Validate() error {
	if f.Workers != nil && *f.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", *f.Workers)
	}
	for name, v := range map[string]*int{
		"connection.max_page_redirects": f.Connection.MaxPageRedirects,
		"connection.max_link_redirects": f.Connection.MaxLinkRedirects,
		"crawler.fast_scan_limit":       f.Crawler.FastScanLimit,
		"crawler.slow_scan_limit":       f.Crawler.SlowScanLimit,
		"crawler.slow_scan_min_samples": f.Crawler.SlowScanMinSamples,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be >= 0 (got %d)", name, *v)
		}
	}
	for name, v := range map[string]*int{
		"health.max_5xx":           f.Health.Max5XX,
		"health.max_timeouts":      f.Health.MaxTimeouts,
		"health.max_no_type":       f.Health.MaxNoType,
		"health.max_neither":       f.Health.MaxNeither,
		"health.max_path_403":      f.Health.MaxPath403,
		"health.max_blocked_paths": f.Health.MaxBlockedPaths,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", name, *v)
		}
	}
	if v := f.Crawler.SlowScanFloor; v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("crawler.slow_scan_floor must be within [0, 1] (got %v)", *v)
	}
	if lo, hi := f.Health.PolitenessMin, f.Health.PolitenessMax; lo != nil && hi != nil && hi.Duration < lo.Duration {
		return fmt.Errorf("health.politeness_max (%v) is below politeness_min (%v)", hi.Duration, lo.Duration)
	}
	if m := f.Engine.Mode; m != nil {
		if _, err := retrieval.ParseMode(*m); err != nil {
			return fmt.Errorf("engine.%w", err)
		}
	}
	if v := f.Engine.MaxPageBytes; v != nil && *v <= 0 {
		return fmt.Errorf("engine.max_page_bytes must be > 0 (got %d)", *v)
	}
	for i, r := range f.Rewrites {
		if r.Pattern == "" || r.Replace == "" {
			return fmt.Errorf("rewrite %d (%s) needs pattern and replace", i, r.Name)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("rewrite %d (%s) pattern: %w", i, r.Name, err)
		}
		if r.Skip != "" {
			if _, err := regexp.Compile(r.Skip); err != nil {
				return fmt.Errorf("rewrite %d (%s) skip: %w", i, r.Name, err)
			}
		}
	}
	return nil
}

// ApplyConnection overlays the connection section.
func (f *File) ApplyConnection(c *connection.Config) {
	setInt(&c.MaxPageRedirects, f.Connection.MaxPageRedirects)
	setInt(&c.MaxLinkRedirects, f.Connection.MaxLinkRedirects)
	if v := f.Connection.HeadTimeout; v != nil && !v.IsZero() {
		c.HeadTimeout = v.Duration
	}
	if v := f.Connection.GetTimeout; v != nil && !v.IsZero() {
		c.GetTimeout = v.Duration
	}
	if v := f.Connection.UserAgent; v != nil && strings.TrimSpace(*v) != "" {
		c.UserAgent = strings.TrimSpace(*v)
	}
	if v := f.Connection.RequestsPerSecond; v != nil && *v >= 0 {
		c.RequestsPerSecond = *v
	}
	setInt(&c.Burst, f.Connection.Burst)
}

// ApplyHealth overlays the health section.
func (f *File) ApplyHealth(c *domainhealth.Config) {
	setInt(&c.Max5XX, f.Health.Max5XX)
	setInt(&c.MaxTimeouts, f.Health.MaxTimeouts)
	setInt(&c.MaxNoType, f.Health.MaxNoType)
	setInt(&c.MaxNoDocOrPage, f.Health.MaxNeither)
	setInt(&c.MaxPath403, f.Health.MaxPath403)
	setInt(&c.MaxBlockedPaths, f.Health.MaxBlockedPaths)
	setInt(&c.GoodDomainBuffer, f.Health.GoodDomainBuffer)
	if v := f.Health.PolitenessMin; v != nil {
		c.PolitenessMin = v.Duration
	}
	if v := f.Health.PolitenessMax; v != nil {
		c.PolitenessMax = v.Duration
	}
	if c.PolitenessMax < c.PolitenessMin {
		c.PolitenessMax = c.PolitenessMin
	}
	if f.Health.AllowDomains != nil {
		c.AllowList = f.Health.AllowDomains
	}
}

// ApplyCrawler overlays the crawler section. The retrieval mode lives in the
// engine section and is applied here too so both stay consistent.
func (f *File) ApplyCrawler(c *crawler.Config) {
	setInt(&c.FastScanLimit, f.Crawler.FastScanLimit)
	setInt(&c.SlowScanLimit, f.Crawler.SlowScanLimit)
	setInt(&c.SlowScanMinSamples, f.Crawler.SlowScanMinSamples)
	if v := f.Crawler.SlowScanFloor; v != nil {
		c.SlowScanFloor = *v
	}
	if v := f.Crawler.SlowScanGetFallback; v != nil {
		c.SlowScanNoGet = !*v
	}
	if docs, data, ok := f.mode(); ok {
		c.WantDocuments, c.WantDatasets = docs, data
	}
}

// ApplyEngine overlays the engine section.
func (f *File) ApplyEngine(c *engine.Config) {
	if docs, data, ok := f.mode(); ok {
		c.WantDocuments, c.WantDatasets = docs, data
	}
	if v := f.Engine.Download; v != nil {
		c.Download = *v
	}
	if v := f.Engine.MaxPageBytes; v != nil {
		c.MaxPageBytes = *v
	}
	if v := f.Engine.RecordTimeout; v != nil && !v.IsZero() {
		c.RecordTimeout = v.Duration
	}
}

// MaxFileBytes returns the configured file cap, or fallback.
func (f *File) MaxFileBytes(fallback int64) int64 {
	if v := f.Storage.MaxFileBytes; v != nil && *v > 0 {
		return *v
	}
	return fallback
}

// WorkerCount returns the configured worker count, or fallback.
func (f *File) WorkerCount(fallback int) int {
	if f.Workers != nil {
		return *f.Workers
	}
	return fallback
}

// RewriteRules returns the file's rules followed by the built-in ones.
// Patterns were checked by Validate.
func (f *File) RewriteRules() []rewrite.Rule {
	rules := make([]rewrite.Rule, 0, len(f.Rewrites)+len(rewrite.DefaultRules))
	for _, r := range f.Rewrites {
		rule := rewrite.Rule{
			Name:    r.Name,
			Pattern: regexp.MustCompile(r.Pattern),
			Replace: r.Replace,
		}
		if r.Skip != "" {
			rule.Skip = regexp.MustCompile(r.Skip)
		}
		rules = append(rules, rule)
	}
	return append(rules, rewrite.DefaultRules...)
}

func (f *File) mode() (docs, data, ok bool) {
	if f.Engine.Mode == nil {
		return false, false, false
	}
	m, err := retrieval.ParseMode(*f.Engine.Mode)
	if err != nil {
		return false, false, false
	}
	return m.Documents, m.Datasets, true
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func dedupeLower(values []string) []string {
	if values == nil {
		return nil
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}
