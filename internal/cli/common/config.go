package common

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
)

// LoadWithIncludes reads the base file and overlays each --include in
// order, so a later file wins on conflicting keys. An include may be a glob
// (e.g. configs/conf.d/*.yaml); its matches are applied in lexical order and
// a pattern matching nothing is an error. Files listed under the base
// file's popup.include key are applied before the command-line includes.
// An empty base yields an empty view that env and flags can still fill.
func LoadWithIncludes(base string, includes []string) (*viper.Viper, error) {
	v := viper.New()
	if base != "" {
		v.SetConfigFile(base)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		includes = append(v.GetStringSlice("popup.include"), includes...)
	}
	files, err := expandIncludes(includes)
	if err != nil {
		return nil, err
	}
	for _, inc := range files {
		iv := viper.New()
		iv.SetConfigFile(inc)
		if err := iv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		if err := v.MergeConfigMap(iv.AllSettings()); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
	}
	return v, nil
}

func expandIncludes(patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if !hasMeta(p) {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("include %s: no files match", p)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

func hasMeta(p string) bool {
	for _, r := range p {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// overlay recursively copies src into dst; nested maps merge, anything else
// is replaced.
func overlay(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		if dm, ok := dst[k].(map[string]any); ok {
			if sm, ok := sv.(map[string]any); ok {
				dst[k] = overlay(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

// ApplySectionAndProfile narrows v to the popup section when the file has
// one, so both a dedicated file and a shared multi-service file work, then
// overlays profiles.<profile> on top. The profiles block itself stays in the
// result; nothing reads it after this point.
func ApplySectionAndProfile(v *viper.Viper, section, profile string) (*viper.Viper, error) {
	if section != "" {
		if sub := v.Sub(section); sub != nil {
			v = sub
		}
	}
	if profile == "" {
		return v, nil
	}
	p := v.Sub("profiles." + profile)
	if p == nil {
		return nil, fmt.Errorf("profile %s not found", profile)
	}
	nv := viper.New()
	if err := nv.MergeConfigMap(overlay(v.AllSettings(), p.AllSettings())); err != nil {
		return nil, err
	}
	return nv, nil
}
