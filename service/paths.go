package service

import (
	"strings"

	"github.com/dawesi/luceedebug/proc"
)

// pathResolver canonicalizes source paths reported by the target VM or by
// the IDE: forward slashes, then the configured prefix substitutions.
type pathResolver struct {
	subs []PathSubstitution
}

// PathResolver builds the resolver described by the configuration.
func (c *Config) PathResolver() proc.PathResolver {
	return &pathResolver{subs: c.PathSubstitutions}
}

func (p *pathResolver) CanonicalServerPath(sourceName string) proc.CanonicalServerPath {
	canonical := strings.ReplaceAll(sourceName, "\\", "/")
	for _, s := range p.subs {
		if strings.HasPrefix(canonical, s.From) {
			canonical = s.To + canonical[len(s.From):]
			break
		}
	}
	return proc.CanonicalServerPath(canonical)
}
