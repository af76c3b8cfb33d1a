package compose

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type composeFile struct {
	Services map[string]yaml.Node `yaml:"services"`
}

// ValidateTemplate checks that path is a readable compose file declaring at
// least one service, and that it references every variable in required
// (e.g. "PORT"). The template itself is never modified.
func ValidateTemplate(path string, required ...string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read compose template: %w", err)
	}
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse compose template %s: %w", path, err)
	}
	if len(cf.Services) == 0 {
		return fmt.Errorf("compose template %s declares no services", path)
	}
	text := string(data)
	var missing []string
	for _, v := range required {
		if !strings.Contains(text, "${"+v) && !strings.Contains(text, "$"+v) {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("compose template %s does not reference %s", path, strings.Join(missing, ", "))
	}
	return nil
}
